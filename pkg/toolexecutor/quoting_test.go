package toolexecutor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePathQuoting(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{
			name:    "split absolute path",
			command: "cat /tmp/test folder/file.txt",
			want:    `cat "/tmp/test folder/file.txt"`,
		},
		{
			name:    "trailing bare word is not a path fragment",
			command: "cat /tmp/a.txt extra",
			want:    "cat /tmp/a.txt extra",
		},
		{
			name:    "two separate paths stay separate",
			command: "ls /tmp /var",
			want:    "ls /tmp /var",
		},
		{
			name:    "path after options",
			command: "grep -r pattern /home/user/my docs/notes.txt",
			want:    `grep -r pattern "/home/user/my docs/notes.txt"`,
		},
		{
			name:    "two embedded spaces",
			command: "cat /tmp/my test folder/file.txt",
			want:    `cat "/tmp/my test folder/file.txt"`,
		},
		{
			name:    "split filename with extension",
			command: "cat /tmp/report v2.pdf",
			want:    `cat "/tmp/report v2.pdf"`,
		},
		{
			name:    "tilde stays outside the quotes",
			command: "cat ~/my docs/file.txt",
			want:    `cat ~/"my docs/file.txt"`,
		},
		{
			name:    "relative path",
			command: "head ./build output/log.txt",
			want:    `head "./build output/log.txt"`,
		},
		{
			name:    "already quoted commands are untouched",
			command: `cat "/tmp/test folder/file.txt"`,
			want:    `cat "/tmp/test folder/file.txt"`,
		},
		{
			name:    "single quotes are respected too",
			command: "cat '/tmp/test folder/file.txt'",
			want:    "cat '/tmp/test folder/file.txt'",
		},
		{
			name:    "option token ends the run",
			command: "cat /tmp/my -n file.txt",
			want:    "cat /tmp/my -n file.txt",
		},
		{
			name:    "no paths at all",
			command: "echo hello world",
			want:    "echo hello world",
		},
		{
			name:    "overlong run is left alone",
			command: "cat /tmp/a b c d e f/g.txt",
			want:    "cat /tmp/a b c d e f/g.txt",
		},
		{
			name:    "empty command",
			command: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePathQuoting(tt.command))
		})
	}
}

func TestNormalizeShellParams(t *testing.T) {
	t.Run("non-string command passes through", func(t *testing.T) {
		params := map[string]interface{}{"command": 42}
		assert.Equal(t, params, normalizeShellParams(params))
	})

	t.Run("missing command passes through", func(t *testing.T) {
		params := map[string]interface{}{"other": "x"}
		assert.Equal(t, params, normalizeShellParams(params))
	})

	t.Run("normalization copies the map", func(t *testing.T) {
		params := map[string]interface{}{"command": "cat /tmp/test folder/file.txt", "timeout": 5}

		normalized := normalizeShellParams(params)

		assert.Equal(t, `cat "/tmp/test folder/file.txt"`, normalized["command"])
		assert.Equal(t, 5, normalized["timeout"])
		assert.Equal(t, "cat /tmp/test folder/file.txt", params["command"])
	})
}

func TestHasExtension(t *testing.T) {
	assert.True(t, hasExtension("file.txt"))
	assert.True(t, hasExtension("v2.pdf"))
	assert.False(t, hasExtension("plain"))
	assert.False(t, hasExtension(".gitignore"))
	assert.False(t, hasExtension("trailing."))
}
