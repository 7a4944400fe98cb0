package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 29500, cfg.Port)
}

func TestFlagOverridesDefault(t *testing.T) {
	cfg, err := Load([]string{"--port=9999"})
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
}

func TestEnvOverridesFlag(t *testing.T) {
	os.Setenv("RENDEZVOUSD_PORT", "1234")
	defer os.Unsetenv("RENDEZVOUSD_PORT")

	cfg, err := Load([]string{"--port=9999"})
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.Port, "env should win over flag")
}

func TestTOMLFileAppliesWhenFlagNotPassed(t *testing.T) {
	f, err := os.CreateTemp("", "rendezvousd-*.toml")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString("host = \"0.0.0.0\"\nport = 4242\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load([]string{"--config=" + f.Name()})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 4242, cfg.Port)
}

func TestFlagOverridesTOMLFile(t *testing.T) {
	f, err := os.CreateTemp("", "rendezvousd-*.toml")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString("port = 4242\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load([]string{"--config=" + f.Name(), "--port=5555"})
	require.NoError(t, err)
	require.Equal(t, 5555, cfg.Port, "explicit flag should win over file")
}

func TestInvalidPortRejected(t *testing.T) {
	_, err := Load([]string{"--port=99999"})
	require.Error(t, err)
}
