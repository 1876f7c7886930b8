package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigShow(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
	setCredentials(t, "12345", "s3nh4")

	stdout, _, err := execute(t, "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, `"base_url": "http://127.0.0.1:1"`)
	assert.Contains(t, stdout, "12345")
	assert.Contains(t, stdout, "[REDACTED]")
	assert.NotContains(t, stdout, "s3nh4")
}

func TestConfigInit(t *testing.T) {
	setCredentials(t, "12345", "s3nh4")
	cfgPath := filepath.Join(t.TempDir(), "nested", "loanrenew.json")

	stdout, _, err := execute(t, "config", "init", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration saved to: "+cfgPath)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "biblioteca.iftm.edu.br")
	assert.NotContains(t, string(data), "s3nh4")

	_, _, err = execute(t, "config", "init", "--config", cfgPath)
	assert.Error(t, err, "existing file is kept")

	_, _, err = execute(t, "config", "init", "--force", "--config", cfgPath)
	assert.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid with credentials", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
		setCredentials(t, "12345", "s3nh4")

		stdout, _, err := execute(t, "config", "validate", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, stdout, "Configuration is valid")
	})

	t.Run("missing credentials", func(t *testing.T) {
		cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
		setCredentials(t, "", "")

		_, _, err := execute(t, "config", "validate", "--config", cfgPath)
		require.Error(t, err)
		assert.Equal(t, ExitCodeConfig, ExitCode(err))
		assert.Contains(t, err.Error(), "identifier and secret")
	})
}
