package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesCheck(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name: "valid",
			content: `rules:
  - name: failures
    subject: ci.*.failed
    recipients: [oncall@example.com]
    template: task_failed
`,
		},
		{
			name: "unknown template",
			content: `rules:
  - name: failures
    subject: ci.*.failed
    recipients: [oncall@example.com]
    template: missing
`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: "rules:\n  - name: x\n    topic: a.b\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(file, []byte(tt.content), 0o600))

			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetArgs([]string{"rules", "check", file})

			err := rootCmd.Execute()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), "1 rules OK")
		})
	}
}
