package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, c.ProvisionDeadline())
	assert.Equal(t, 60*time.Second, c.IdleGrace())
	assert.Equal(t, 30*time.Second, c.MinLifetime())
	assert.Equal(t, 3600, c.DefaultTimeoutSeconds)
	assert.Equal(t, 21600, c.MaxTimeoutSeconds)
	assert.Equal(t, 5*time.Minute, c.ReconcileInterval())
	assert.Equal(t, 10*time.Minute, c.StuckProvisioningAge())
	assert.Equal(t, 9223, c.CDPProxyPort)
	assert.Equal(t, 9222, c.BrowserCDPPort)
	assert.Equal(t, "wallcrawler-sessions", c.SessionsTable)
	assert.Equal(t, "wallcrawler:readiness", c.ReadinessChannel)
	assert.True(t, c.ECSAssignPublicIP)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_PROVISION_DEADLINE_SECONDS", "10")
	t.Setenv("ECS_SUBNETS", "subnet-a,subnet-b")
	t.Setenv("ECS_ASSIGN_PUBLIC_IP", "false")
	t.Setenv("KEEP_ALIVE", "true")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.ProvisionDeadline())
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, c.ECSSubnets)
	assert.False(t, c.ECSAssignPublicIP)
	assert.True(t, c.KeepAlive)
}

func TestRequireLaunch(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Error(t, c.RequireLaunch())

	c.ECSTaskDefinition = "wallcrawler-browser:3"
	c.ECSSubnets = []string{"subnet-a"}
	c.ECSSecurityGroups = []string{"sg-1"}
	assert.NoError(t, c.RequireLaunch())
}

func TestRequireContainer(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Error(t, c.RequireContainer())

	c.SessionID = "sess_abc"
	c.ProjectID = "proj_1"
	assert.NoError(t, c.RequireContainer())
}
