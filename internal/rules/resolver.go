package rules

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
)

// Snapshot is an immutable, versioned rule set.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	rules    []compiledRule
}

// Rules returns a copy of the rules in the snapshot.
func (s *Snapshot) Rules() []RoutingRule {
	out := make([]RoutingRule, len(s.rules))
	for i, r := range s.rules {
		rule := r.RoutingRule
		rule.Recipients = append([]string(nil), r.Recipients...)
		out[i] = rule
	}
	return out
}

// Len returns the number of rules.
func (s *Snapshot) Len() int {
	return len(s.rules)
}

// Resolver resolves events into notification intents against the current
// rule snapshot. Reload swaps the whole snapshot atomically; a resolution
// always reads one snapshot.
type Resolver struct {
	current   atomic.Pointer[Snapshot]
	templates TemplateChecker

	// mu orders reloads so the active snapshot always has the highest version.
	mu      sync.Mutex
	version uint64
}

// NewResolver creates a resolver with an initial rule set.
// templates may be nil to skip template existence checks.
func NewResolver(initial []RoutingRule, templates TemplateChecker) (*Resolver, error) {
	r := &Resolver{templates: templates}
	if err := r.Reload(initial); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload validates rules and, if valid, replaces the active snapshot.
// On error the previous snapshot stays active.
func (r *Resolver) Reload(rules []RoutingRule) error {
	compiled, err := compile(rules, r.templates)
	if err != nil {
		recordRuleReload("rejected")
		return err
	}

	r.mu.Lock()
	r.version++
	snap := &Snapshot{
		Version:  r.version,
		LoadedAt: time.Now(),
		rules:    compiled,
	}
	r.current.Store(snap)
	r.mu.Unlock()
	recordRuleReload("applied")

	slog.Info("routing rules loaded", "version", snap.Version, "rules", len(compiled))
	return nil
}

// Snapshot returns the active rule snapshot.
func (r *Resolver) Snapshot() *Snapshot {
	return r.current.Load()
}

// Route is the result of resolving one event against one snapshot.
type Route struct {
	Version uint64
	Rules   []string
	Intents []domain.NotificationIntent
}

// Resolve returns the intents for event in stable order: rules in declaration
// order, recipients in rule order, each recipient at most once.
// An event no rule matches yields an empty, non-nil slice.
func (r *Resolver) Resolve(event domain.Event) []domain.NotificationIntent {
	return r.Route(event).Intents
}

// Route resolves event like Resolve and also names the matching rules and
// the snapshot version they came from.
func (r *Resolver) Route(event domain.Event) Route {
	snap := r.current.Load()

	route := Route{Rules: make([]string, 0), Intents: make([]domain.NotificationIntent, 0)}
	if snap == nil {
		return route
	}
	route.Version = snap.Version

	seen := make(map[string]bool)
	for _, rule := range snap.rules {
		if !rule.pattern.Match(event.Subject) {
			continue
		}
		route.Rules = append(route.Rules, rule.Name)
		for _, rcpt := range rule.Recipients {
			if seen[rcpt] {
				continue
			}
			seen[rcpt] = true
			route.Intents = append(route.Intents, domain.NotificationIntent{
				EventID:         event.ID,
				Subject:         event.Subject,
				Recipient:       rcpt,
				TemplateID:      rule.TemplateID,
				RenderedPayload: event.Payload.Clone(),
				OccurredAt:      event.OccurredAt,
			})
		}
	}

	return route
}
