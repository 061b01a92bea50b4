// Package lookup holds the static reference tables used for routing and
// validation: mobile network prefixes and the preferred provider per country.
// Tables are immutable once built and safe for concurrent use.
package lookup

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type file struct {
	Networks         map[string][]string `yaml:"networks"`
	CountryProviders map[string]string   `yaml:"country_providers"`
}

// Tables maps phone prefixes to networks and countries to providers.
type Tables struct {
	networks  map[string]string
	countries map[string]string
}

// Default returns the built-in tables.
func Default() *Tables {
	t, err := Parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("lookup: built-in tables are invalid: %v", err))
	}
	return t
}

// Load reads tables from a YAML document.
func Load(r io.Reader) (*Tables, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lookup: read: %w", err)
	}
	return Parse(b)
}

// LoadFile reads tables from a YAML file.
func LoadFile(path string) (*Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lookup: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Parse builds tables from YAML. A prefix listed under two networks is an error.
func Parse(b []byte) (*Tables, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("lookup: parse: %w", err)
	}
	t := &Tables{
		networks:  make(map[string]string),
		countries: make(map[string]string, len(f.CountryProviders)),
	}
	for network, prefixes := range f.Networks {
		for _, p := range prefixes {
			if other, dup := t.networks[p]; dup && other != network {
				return nil, fmt.Errorf("lookup: prefix %s listed for %s and %s", p, other, network)
			}
			t.networks[p] = network
		}
	}
	for country, provider := range f.CountryProviders {
		t.countries[strings.ToUpper(country)] = provider
	}
	return t, nil
}

// Network returns the operator owning a 4-digit local prefix such as "0803".
func (t *Tables) Network(prefix string) (string, bool) {
	n, ok := t.networks[prefix]
	return n, ok
}

// ProviderForCountry returns the preferred provider for an ISO country code.
func (t *Tables) ProviderForCountry(code string) (string, bool) {
	p, ok := t.countries[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok
}

// Countries returns a copy of the country to provider table.
func (t *Tables) Countries() map[string]string {
	out := make(map[string]string, len(t.countries))
	for k, v := range t.countries {
		out[k] = v
	}
	return out
}
