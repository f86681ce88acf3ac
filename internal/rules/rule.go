// Package rules maps events to notification intents using static routing rules.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRuleSet is returned when a rule set fails validation.
// A rejected set never replaces the active one.
var ErrInvalidRuleSet = errors.New("invalid rule set")

// RoutingRule routes events whose subject matches SubjectPattern
// to Recipients using TemplateID.
type RoutingRule struct {
	Name           string   `yaml:"name" json:"name" validate:"required"`
	SubjectPattern string   `yaml:"subject" json:"subject" validate:"required"`
	Recipients     []string `yaml:"recipients" json:"recipients" validate:"required,min=1,dive,required,email"`
	TemplateID     string   `yaml:"template" json:"template" validate:"required"`
}

// TemplateChecker reports whether a template id can be rendered.
type TemplateChecker interface {
	HasTemplate(id string) bool
}

type compiledRule struct {
	RoutingRule
	pattern Pattern
}

var validate = validator.New()

// compile validates rules and returns them ready for matching.
// Recipients are normalized to lower case and duplicates within a rule are
// collapsed, keeping the first occurrence.
func compile(rules []RoutingRule, templates TemplateChecker) ([]compiledRule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		if err := validate.Struct(r); err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRuleSet, i, r.Name, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRuleSet, r.Name)
		}
		seen[r.Name] = true

		pattern, err := ParsePattern(r.SubjectPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidRuleSet, r.Name, err)
		}

		if templates != nil && !templates.HasTemplate(r.TemplateID) {
			return nil, fmt.Errorf("%w: rule %q: unknown template %q", ErrInvalidRuleSet, r.Name, r.TemplateID)
		}

		r.Recipients = uniqueRecipients(r.Recipients)
		out = append(out, compiledRule{RoutingRule: r, pattern: pattern})
	}

	return out, nil
}

func uniqueRecipients(recipients []string) []string {
	seen := make(map[string]bool, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		key := normalizeRecipient(rcpt)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// normalizeRecipient is the identity used for recipient deduplication.
func normalizeRecipient(rcpt string) string {
	return strings.ToLower(strings.TrimSpace(rcpt))
}
