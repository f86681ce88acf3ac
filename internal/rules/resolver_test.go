package rules

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type templateSet map[string]bool

func (s templateSet) HasTemplate(id string) bool { return s[id] }

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"task.failed", "task.failed", true},
		{"task.failed", "task.completed", false},
		{"task.*", "task.failed", true},
		{"task.*", "task.failed.retry", false},
		{"task.*", "task", false},
		{"*.failed", "build.failed", true},
		{"task.>", "task.failed", true},
		{"task.>", "task.failed.retry", true},
		{"task.>", "task", false},
		{">", "noise.ping", true},
		{"task.failed", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.subject))
		})
	}
}

func TestParsePattern_Invalid(t *testing.T) {
	for _, raw := range []string{"", "task..failed", "task.>.x", "task.fa*", ".task"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParsePattern(raw)
			require.Error(t, err)
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	resolver, err := NewResolver([]RoutingRule{
		{Name: "all-tasks", SubjectPattern: "task.*", Recipients: []string{"ops@x.com", "dev@x.com"}, TemplateID: "task_generic"},
		{Name: "failures", SubjectPattern: "task.failed", Recipients: []string{"OPS@x.com", "oncall@x.com"}, TemplateID: "task_failed"},
	}, nil)
	require.NoError(t, err)

	event := domain.Event{ID: "evt-1", Subject: "task.failed", Payload: domain.Payload{"task": "build-42"}}
	intents := resolver.Resolve(event)

	require.Len(t, intents, 3)
	assert.Equal(t, []string{"ops@x.com", "dev@x.com", "oncall@x.com"}, domain.Recipients(intents))
	assert.Equal(t, "task_generic", intents[0].TemplateID)
	assert.Equal(t, "task_failed", intents[2].TemplateID)
	for _, in := range intents {
		assert.Equal(t, "evt-1", in.EventID)
		assert.Equal(t, 0, in.Attempt)
		assert.Equal(t, "build-42", in.RenderedPayload["task"])
	}
}

func TestResolver_Deterministic(t *testing.T) {
	resolver, err := NewResolver([]RoutingRule{
		{Name: "a", SubjectPattern: "task.>", Recipients: []string{"c@x.com", "a@x.com", "b@x.com"}, TemplateID: "t"},
		{Name: "b", SubjectPattern: "*.failed", Recipients: []string{"d@x.com", "a@x.com"}, TemplateID: "t"},
	}, nil)
	require.NoError(t, err)

	event := domain.Event{ID: "evt-1", Subject: "task.failed"}
	first := resolver.Resolve(event)
	second := resolver.Resolve(event)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"c@x.com", "a@x.com", "b@x.com", "d@x.com"}, domain.Recipients(first))
}

func TestResolver_PayloadIsCopied(t *testing.T) {
	resolver, err := NewResolver([]RoutingRule{
		{Name: "a", SubjectPattern: "task.*", Recipients: []string{"a@x.com"}, TemplateID: "t"},
	}, nil)
	require.NoError(t, err)

	payload := domain.Payload{"task": "build-42"}
	intents := resolver.Resolve(domain.Event{ID: "evt-1", Subject: "task.done", Payload: payload})
	payload["task"] = "mutated"

	assert.Equal(t, "build-42", intents[0].RenderedPayload["task"])
}

func TestResolver_Unmatched(t *testing.T) {
	resolver, err := NewResolver([]RoutingRule{
		{Name: "a", SubjectPattern: "task.*", Recipients: []string{"a@x.com"}, TemplateID: "t"},
	}, nil)
	require.NoError(t, err)

	intents := resolver.Resolve(domain.Event{ID: "evt-2", Subject: "noise.ping"})
	assert.NotNil(t, intents)
	assert.Empty(t, intents)
}

func TestResolver_RouteNamesMatchingRules(t *testing.T) {
	resolver, err := NewResolver([]RoutingRule{
		{Name: "failures", SubjectPattern: "task.failed", Recipients: []string{"a@x.com"}, TemplateID: "t"},
		{Name: "noise", SubjectPattern: "noise.>", Recipients: []string{"b@x.com"}, TemplateID: "t"},
		{Name: "all-tasks", SubjectPattern: "task.*", Recipients: []string{"a@x.com", "c@x.com"}, TemplateID: "t"},
	}, nil)
	require.NoError(t, err)

	route := resolver.Route(domain.Event{ID: "evt-1", Subject: "task.failed"})
	assert.Equal(t, uint64(1), route.Version)
	assert.Equal(t, []string{"failures", "all-tasks"}, route.Rules)
	assert.Equal(t, []string{"a@x.com", "c@x.com"}, domain.Recipients(route.Intents))

	route = resolver.Route(domain.Event{ID: "evt-2", Subject: "deploy.done"})
	assert.NotNil(t, route.Rules)
	assert.Empty(t, route.Rules)
	assert.Empty(t, route.Intents)
}

func TestResolver_ReloadRejectsInvalidSet(t *testing.T) {
	templates := templateSet{"task_failed": true}
	resolver, err := NewResolver([]RoutingRule{
		{Name: "a", SubjectPattern: "task.*", Recipients: []string{"a@x.com"}, TemplateID: "task_failed"},
	}, templates)
	require.NoError(t, err)
	before := resolver.Snapshot()

	tests := []struct {
		name  string
		rules []RoutingRule
	}{
		{"bad pattern", []RoutingRule{{Name: "b", SubjectPattern: "task..x", Recipients: []string{"a@x.com"}, TemplateID: "task_failed"}}},
		{"bad email", []RoutingRule{{Name: "b", SubjectPattern: "task.*", Recipients: []string{"not-an-email"}, TemplateID: "task_failed"}}},
		{"unknown template", []RoutingRule{{Name: "b", SubjectPattern: "task.*", Recipients: []string{"a@x.com"}, TemplateID: "missing"}}},
		{"no recipients", []RoutingRule{{Name: "b", SubjectPattern: "task.*", TemplateID: "task_failed"}}},
		{"duplicate names", []RoutingRule{
			{Name: "b", SubjectPattern: "task.*", Recipients: []string{"a@x.com"}, TemplateID: "task_failed"},
			{Name: "b", SubjectPattern: "task.*", Recipients: []string{"b@x.com"}, TemplateID: "task_failed"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := resolver.Reload(tt.rules)
			require.ErrorIs(t, err, ErrInvalidRuleSet)
			assert.Same(t, before, resolver.Snapshot())
		})
	}
}

func TestResolver_ReloadSwapsSnapshot(t *testing.T) {
	resolver, err := NewResolver(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, resolver.Snapshot().Len())
	v1 := resolver.Snapshot().Version

	require.NoError(t, resolver.Reload([]RoutingRule{
		{Name: "a", SubjectPattern: "task.*", Recipients: []string{"a@x.com", "A@x.com"}, TemplateID: "t"},
	}))

	snap := resolver.Snapshot()
	assert.Greater(t, snap.Version, v1)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, []string{"a@x.com"}, snap.Rules()[0].Recipients)
}

func TestResolver_ConcurrentReload(t *testing.T) {
	setA := []RoutingRule{{Name: "a", SubjectPattern: "task.*", Recipients: []string{"a1@x.com", "a2@x.com"}, TemplateID: "t"}}
	setB := []RoutingRule{{Name: "b", SubjectPattern: "task.*", Recipients: []string{"b1@x.com", "b2@x.com"}, TemplateID: "t"}}

	resolver, err := NewResolver(setA, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				_ = resolver.Reload(setB)
			} else {
				_ = resolver.Reload(setA)
			}
		}
	}()

	mixed := false
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			got := domain.Recipients(resolver.Resolve(domain.Event{ID: "e", Subject: "task.x"}))
			if got[0][0] != got[1][0] {
				mixed = true
			}
		}
	}()
	wg.Wait()

	assert.False(t, mixed, "resolution observed a partially updated rule set")
}

func TestResolver_ConcurrentReloadKeepsNewestVersion(t *testing.T) {
	set := []RoutingRule{{Name: "a", SubjectPattern: "task.*", Recipients: []string{"a@x.com"}, TemplateID: "t"}}
	resolver, err := NewResolver(set, nil)
	require.NoError(t, err)

	const (
		reloaders = 8
		perLoader = 50
	)
	var wg sync.WaitGroup
	for i := 0; i < reloaders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for j := 0; j < perLoader; j++ {
				if !assert.NoError(t, resolver.Reload(set)) {
					return
				}
				v := resolver.Snapshot().Version
				assert.GreaterOrEqual(t, v, last, "active version went backwards")
				last = v
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1+reloaders*perLoader), resolver.Snapshot().Version)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - name: task-failures
    subject: "task.*"
    recipients: ["ops@x.com"]
    template: task_failed
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "task.*", rules[0].SubjectPattern)
	assert.Equal(t, "task_failed", rules[0].TemplateID)

	require.NoError(t, Check(rules, templateSet{"task_failed": true}))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("rules:\n  - name: a\n    unknown: x\n"))
	require.ErrorIs(t, err, ErrInvalidRuleSet)

	rules, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
