// Package config loads orchestration settings from the environment. Every
// component reads the same struct; fields a component does not use are simply
// left at their defaults.
package config

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
)

// Config carries all environment-driven settings. Durations are expressed in
// seconds in the environment and exposed as time.Duration via accessors.
type Config struct {
	ProvisionDeadlineSeconds int `envconfig:"SESSION_PROVISION_DEADLINE_SECONDS" default:"45"`
	IdleGraceSeconds         int `envconfig:"SESSION_IDLE_GRACE_SECONDS" default:"60"`
	MinLifetimeSeconds       int `envconfig:"SESSION_MIN_LIFETIME_SECONDS" default:"30"`
	DefaultTimeoutSeconds    int `envconfig:"SESSION_DEFAULT_TIMEOUT_SECONDS" default:"3600"`
	MaxTimeoutSeconds        int `envconfig:"SESSION_MAX_TIMEOUT_SECONDS" default:"21600"`
	ReconcileIntervalSeconds int `envconfig:"RECONCILE_INTERVAL_SECONDS" default:"300"`
	StuckProvisioningSeconds int `envconfig:"STUCK_PROVISIONING_SECONDS" default:"600"`

	TokenSigningKeyRef     string `envconfig:"TOKEN_SIGNING_KEY_REF"`
	TokenKeyRefreshSeconds int    `envconfig:"TOKEN_KEY_REFRESH_SECONDS" default:"600"`
	TokenSigningKey        string `envconfig:"TOKEN_SIGNING_KEY"`

	CDPProxyPort          int `envconfig:"CDP_PROXY_PORT" default:"9223"`
	BrowserCDPPort        int `envconfig:"BROWSER_CDP_PORT" default:"9222"`
	WatchdogPeriodSeconds int `envconfig:"CDP_WATCHDOG_PERIOD_SECONDS" default:"5"`

	SessionsTable string `envconfig:"SESSIONS_TABLE_NAME" default:"wallcrawler-sessions"`
	ProjectsTable string `envconfig:"PROJECTS_TABLE_NAME" default:"wallcrawler-projects"`
	APIKeysTable  string `envconfig:"API_KEYS_TABLE_NAME" default:"wallcrawler-api-keys"`
	ContextsTable string `envconfig:"CONTEXTS_TABLE_NAME" default:"wallcrawler-contexts"`

	ECSCluster        string   `envconfig:"ECS_CLUSTER" default:"wallcrawler"`
	ECSTaskDefinition string   `envconfig:"ECS_TASK_DEFINITION"`
	ECSSubnets        []string `envconfig:"ECS_SUBNETS"`
	ECSSecurityGroups []string `envconfig:"ECS_SECURITY_GROUPS"`
	ECSAssignPublicIP bool     `envconfig:"ECS_ASSIGN_PUBLIC_IP" default:"true"`

	RedisURL         string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	ReadinessChannel string `envconfig:"READINESS_CHANNEL" default:"wallcrawler:readiness"`

	SessionEventsTopicARN string `envconfig:"SESSION_EVENTS_TOPIC_ARN"`
	EventBusName          string `envconfig:"EVENT_BUS_NAME" default:"default"`
	ArtifactsBucket       string `envconfig:"ARTIFACTS_BUCKET"`

	// Container-scoped settings, injected by the task launcher.
	SessionID         string `envconfig:"SESSION_ID"`
	ProjectID         string `envconfig:"PROJECT_ID"`
	SessionToken      string `envconfig:"SESSION_TOKEN"`
	KeepAlive         bool   `envconfig:"KEEP_ALIVE"`
	SessionExpiresAt  int64  `envconfig:"SESSION_EXPIRES_AT"`
	ContextProfileURL string `envconfig:"CONTEXT_PROFILE_URL"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &c, nil
}

func (c *Config) ProvisionDeadline() time.Duration {
	return time.Duration(c.ProvisionDeadlineSeconds) * time.Second
}

func (c *Config) IdleGrace() time.Duration {
	return time.Duration(c.IdleGraceSeconds) * time.Second
}

func (c *Config) MinLifetime() time.Duration {
	return time.Duration(c.MinLifetimeSeconds) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c *Config) StuckProvisioningAge() time.Duration {
	return time.Duration(c.StuckProvisioningSeconds) * time.Second
}

func (c *Config) TokenKeyRefresh() time.Duration {
	return time.Duration(c.TokenKeyRefreshSeconds) * time.Second
}

func (c *Config) WatchdogPeriod() time.Duration {
	return time.Duration(c.WatchdogPeriodSeconds) * time.Second
}

// RequireLaunch validates the settings the ECS task launcher depends on.
func (c *Config) RequireLaunch() error {
	if c.ECSTaskDefinition == "" {
		return fmt.Errorf("ECS_TASK_DEFINITION is required")
	}
	if len(c.ECSSubnets) == 0 {
		return fmt.Errorf("ECS_SUBNETS is required")
	}
	if len(c.ECSSecurityGroups) == 0 {
		return fmt.Errorf("ECS_SECURITY_GROUPS is required")
	}
	return nil
}

// RequireContainer validates the settings injected into a session container.
func (c *Config) RequireContainer() error {
	if c.SessionID == "" {
		return fmt.Errorf("SESSION_ID is required")
	}
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID is required")
	}
	return nil
}
