package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_KEY", "test-key")
	t.Setenv("MACHINE_ID_FILE", filepath.Join(t.TempDir(), "machine-id"))
}

func TestNewManagerDefaults(t *testing.T) {
	setRequiredEnv(t)

	manager, err := NewManager()
	require.NoError(t, err)

	server := manager.GetServerConfig()
	assert.Equal(t, "127.0.0.1", server.Host)
	assert.Equal(t, 8080, server.Port)

	upstream := manager.GetUpstreamConfig()
	assert.Equal(t, "us-east-1", upstream.Region)
	assert.Len(t, upstream.MachineID, 64)
	assert.Equal(t, 10*time.Second, upstream.ConnectTimeout)
	assert.Equal(t, 60*time.Second, upstream.ReadIdleTimeout)
	assert.Equal(t, 15*time.Second, upstream.RefreshTimeout)

	poolConfig := manager.GetPoolConfig()
	assert.Equal(t, 60*time.Second, poolConfig.FailureCooldown)
	assert.Equal(t, 5, poolConfig.MaxFailures)
	assert.Equal(t, 16*1024*1024, poolConfig.MaxFrameSize)
}

func TestNewManagerOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9090")
	t.Setenv("REGION", "eu-west-1")
	t.Setenv("FAILURE_COOLDOWN_SECONDS", "120")
	t.Setenv("MAX_FAILURES", "3")
	t.Setenv("CREDENTIALS_DIR", "/tmp/creds")

	manager, err := NewManager()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", manager.GetServerConfig().Host)
	assert.Equal(t, 9090, manager.GetServerConfig().Port)
	assert.Equal(t, "eu-west-1", manager.GetUpstreamConfig().Region)
	assert.Equal(t, 120*time.Second, manager.GetPoolConfig().FailureCooldown)
	assert.Equal(t, 3, manager.GetPoolConfig().MaxFailures)
	assert.Equal(t, "/tmp/creds", manager.GetPoolConfig().CredentialsDir)
}

func TestNewManagerRequiresAuthKey(t *testing.T) {
	t.Setenv("AUTH_KEY", "")
	t.Setenv("MACHINE_ID_FILE", filepath.Join(t.TempDir(), "machine-id"))

	_, err := NewManager()
	assert.ErrorContains(t, err, "AUTH_KEY")
}

func TestNewManagerKeepsValidMachineID(t *testing.T) {
	setRequiredEnv(t)
	valid := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	t.Setenv("MACHINE_ID", valid)

	manager, err := NewManager()
	require.NoError(t, err)
	assert.Equal(t, valid, manager.GetUpstreamConfig().MachineID)
}
