package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a rules file.
type File struct {
	Rules []RoutingRule `yaml:"rules"`
}

// LoadFile reads routing rules from a YAML file.
func LoadFile(path string) ([]RoutingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes routing rules from YAML. Unknown fields are rejected.
func Parse(data []byte) ([]RoutingRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return []RoutingRule{}, nil
		}
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidRuleSet, err)
	}
	return f.Rules, nil
}

// Check validates rules without activating them.
func Check(rules []RoutingRule, templates TemplateChecker) error {
	_, err := compile(rules, templates)
	return err
}
