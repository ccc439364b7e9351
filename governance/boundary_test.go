package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundaryValidatePath(t *testing.T) {
	b := NewBoundary("modules/helpdesk")

	tests := []struct {
		name      string
		requested string
		want      string
		escape    bool
	}{
		{"simple file", "handlers/ticket.go", "modules/helpdesk/handlers/ticket.go", false},
		{"dot path", "./config.yaml", "modules/helpdesk/config.yaml", false},
		{"root itself", ".", "modules/helpdesk", false},
		{"redundant segments", "a/./b//c", "modules/helpdesk/a/b/c", false},
		{"internal dotdot that stays inside", "a/../b", "modules/helpdesk/b", false},
		{"empty", "", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"backslash absolute", "\\windows", "", true},
		{"parent escape", "../other", "", true},
		{"nested escape", "a/../../other", "", true},
		{"bare dotdot", "..", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ValidatePath(tt.requested)
			if tt.escape {
				require.Error(t, err)
				assert.True(t, IsCode(err, CodeModuleBoundaryEscape))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoundaryAllowPatterns(t *testing.T) {
	b := NewBoundary("modules/helpdesk", "src/**/*.go", "docs/*.md")

	resolved, err := b.ValidatePath("src/handlers/ticket.go")
	require.NoError(t, err)
	assert.Equal(t, "modules/helpdesk/src/handlers/ticket.go", resolved)

	_, err = b.ValidatePath("docs/readme.md")
	assert.NoError(t, err)

	// Inside the root but outside the allow list.
	_, err = b.ValidatePath("secrets/key.pem")
	assert.True(t, IsCode(err, CodeModuleBoundaryEscape))

	_, err = b.ValidatePath("src/handlers/ticket.py")
	assert.True(t, IsCode(err, CodeModuleBoundaryEscape))
}

func TestBoundaryNoRoot(t *testing.T) {
	b := NewBoundary("")
	_, err := b.ValidatePath("anything")
	assert.True(t, IsCode(err, CodeModuleBoundaryEscape))
}

func TestBoundaryTrailingSlashRoot(t *testing.T) {
	b := NewBoundary("modules/helpdesk/")
	resolved, err := b.ValidatePath("main.go")
	require.NoError(t, err)
	assert.Equal(t, "modules/helpdesk/main.go", resolved)
}
