// Package monitor validates inbound webhook payloads against per-provider JSON
// schema contracts before they are interpreted.
package monitor

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ContractMonitor validates documents against one JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles the schema file at schemaPath.
// The schemaPath should be an absolute path or relative to the execution directory.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + schemaPath))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", schemaPath, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// NewContractMonitorFromBytes compiles an in-memory schema.
func NewContractMonitorFromBytes(name string, schema []byte) (*ContractMonitor, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{schema: s}, nil
}

// Validate validates the given body against the compiled schema.
// It returns true if valid, or false and a list of validation errors if invalid.
func (cm *ContractMonitor) Validate(body []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}

// ContractError is returned for a payload that breaks its provider's contract.
type ContractError struct {
	Provider string
	Errors   []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s webhook: %s", e.Provider, FormatErrors(e.Errors))
}

// Contracts maps provider names to their webhook payload contract.
type Contracts struct {
	mu       sync.RWMutex
	monitors map[string]*ContractMonitor
}

// NewContracts returns an empty set. Providers without a contract are not checked.
func NewContracts() *Contracts {
	return &Contracts{monitors: make(map[string]*ContractMonitor)}
}

// DefaultContracts loads the bundled contracts for stripe, flutterwave,
// paystack, biller and mock.
func DefaultContracts() (*Contracts, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := NewContracts()
	for _, e := range entries {
		b, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		m, err := NewContractMonitorFromBytes(name, b)
		if err != nil {
			return nil, err
		}
		c.Register(name, m)
	}
	return c, nil
}

// Register sets the contract of provider.
func (c *Contracts) Register(provider string, m *ContractMonitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors[provider] = m
}

// Alias makes provider use the contract registered under existing.
func (c *Contracts) Alias(provider, existing string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.monitors[existing]
	if ok {
		c.monitors[provider] = m
	}
	return ok
}

// Check validates payload for provider. It returns a *ContractError for a
// contract violation and a plain error when the payload cannot be parsed.
func (c *Contracts) Check(provider string, payload []byte) error {
	c.mu.RLock()
	m, ok := c.monitors[provider]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	valid, errs, err := m.Validate(payload)
	if err != nil {
		return err
	}
	if !valid {
		return &ContractError{Provider: provider, Errors: errs}
	}
	return nil
}
