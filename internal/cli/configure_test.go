package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()

		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == "configure" {
				found = true
				assert.Contains(t, c.Short, "configuration wizard")
				break
			}
		}
		assert.True(t, found, "configure command should be registered")
	})
}
