// Package config loads vagent's YAML settings file (via viper, with
// environment-variable overrides). The model catalog (models.toml) is not
// loaded here; internal/vlmproc's LoadCatalog reads it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix namespaces every environment-variable override, e.g.
// VAGENT_GATEWAY_PORT overrides gateway.port.
const envPrefix = "VAGENT"

// Settings is the full, public-safe configuration tree persisted at
// <root>/config/settings.yaml.
type Settings struct {
	Gateway      GatewaySettings      `mapstructure:"gateway"`
	Orchestrator OrchestratorSettings `mapstructure:"orchestrator"`
	VLM          VLMSettings          `mapstructure:"vlm"`
	Actuator     ActuatorSettings     `mapstructure:"actuator"`
	Session      SessionSettings      `mapstructure:"session"`
	Telemetry    TelemetrySettings    `mapstructure:"telemetry"`
}

// GatewaySettings controls the gateway supervisor's HTTP/socket surface.
type GatewaySettings struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	RootDir             string        `mapstructure:"root_dir"`
	RateLimitGeneral    int           `mapstructure:"rate_limit_general_per_min"`
	RateLimitLifecycle  int           `mapstructure:"rate_limit_lifecycle_per_min"`
	BodyCapBytes        int64         `mapstructure:"body_cap_bytes"`
	CORSOrigins         []string      `mapstructure:"cors_origins"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatActiveFrom string        `mapstructure:"heartbeat_active_from"`
	HeartbeatActiveTo   string        `mapstructure:"heartbeat_active_to"`
	MinFreeMemoryMB     int           `mapstructure:"min_free_memory_mb"`
	CrashWindow         time.Duration `mapstructure:"crash_window"`
	CrashLimit          int           `mapstructure:"crash_limit"`
}

// OrchestratorSettings overrides internal/orchestrator.Config defaults.
type OrchestratorSettings struct {
	SystemPromptFile    string        `mapstructure:"system_prompt_file"`
	MaxIterations       int           `mapstructure:"max_iterations"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	HistoryTurns        int           `mapstructure:"history_turns"`
	PostActionDelay     time.Duration `mapstructure:"post_action_delay"`
	VLMTimeout          time.Duration `mapstructure:"vlm_timeout"`
}

// VLMSettings points the lifecycle manager at its model catalog and default
// selection.
type VLMSettings struct {
	CatalogPath  string `mapstructure:"catalog_path"`
	DefaultModel string `mapstructure:"default_model"`
}

// ActuatorSettings configures the go-rod reference Actuator.
type ActuatorSettings struct {
	Headless bool   `mapstructure:"headless"`
	Width    int    `mapstructure:"width"`
	Height   int    `mapstructure:"height"`
	StartURL string `mapstructure:"start_url"`
}

// SessionSettings configures optional durable chat/session persistence
// (internal/session).
type SessionSettings struct {
	MySQLDSN string `mapstructure:"mysql_dsn"`
}

// TelemetrySettings gates the OTel metrics/log export pipeline.
type TelemetrySettings struct {
	MetricsEnabled   bool   `mapstructure:"metrics_enabled"`
	LogExportEnabled bool   `mapstructure:"log_export_enabled"`
	OTLPEndpoint     string `mapstructure:"otlp_endpoint"`
}

// Defaults mirrors the component-level defaults, so a missing
// settings.yaml still produces a fully usable Settings.
func Defaults() Settings {
	return Settings{
		Gateway: GatewaySettings{
			Host:                "127.0.0.1",
			Port:                8000,
			RootDir:             ".vagent",
			RateLimitGeneral:    120,
			RateLimitLifecycle:  10,
			BodyCapBytes:        1 << 20,
			HeartbeatInterval:   30 * time.Minute,
			HeartbeatActiveFrom: "08:00",
			HeartbeatActiveTo:   "22:00",
			MinFreeMemoryMB:     512,
			CrashWindow:         10 * time.Minute,
			CrashLimit:          3,
		},
		Orchestrator: OrchestratorSettings{
			MaxIterations:       20,
			ConfidenceThreshold: 0.8,
			HistoryTurns:        10,
			PostActionDelay:     100 * time.Millisecond,
			VLMTimeout:          90 * time.Second,
		},
		VLM: VLMSettings{
			CatalogPath: "config/models.toml",
		},
		Actuator: ActuatorSettings{
			Width:    1920,
			Height:   1080,
			StartURL: "about:blank",
		},
	}
}

// Load reads settings.yaml at path (if present; a missing file is not an
// error, Defaults() apply) and layers environment-variable overrides under
// the VAGENT_ prefix on top.
func Load(path string) (Settings, error) {
	v := viper.New()
	d := Defaults()
	setViperDefaults(v, d)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Settings{}, fmt.Errorf("reading settings file %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings: %w", err)
	}
	return s, nil
}

// setViperDefaults registers d's values as viper defaults so Unmarshal
// produces d's values for any key absent from both the file and env.
func setViperDefaults(v *viper.Viper, d Settings) {
	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.root_dir", d.Gateway.RootDir)
	v.SetDefault("gateway.rate_limit_general_per_min", d.Gateway.RateLimitGeneral)
	v.SetDefault("gateway.rate_limit_lifecycle_per_min", d.Gateway.RateLimitLifecycle)
	v.SetDefault("gateway.body_cap_bytes", d.Gateway.BodyCapBytes)
	v.SetDefault("gateway.heartbeat_interval", d.Gateway.HeartbeatInterval)
	v.SetDefault("gateway.heartbeat_active_from", d.Gateway.HeartbeatActiveFrom)
	v.SetDefault("gateway.heartbeat_active_to", d.Gateway.HeartbeatActiveTo)
	v.SetDefault("gateway.min_free_memory_mb", d.Gateway.MinFreeMemoryMB)
	v.SetDefault("gateway.crash_window", d.Gateway.CrashWindow)
	v.SetDefault("gateway.crash_limit", d.Gateway.CrashLimit)

	v.SetDefault("orchestrator.max_iterations", d.Orchestrator.MaxIterations)
	v.SetDefault("orchestrator.confidence_threshold", d.Orchestrator.ConfidenceThreshold)
	v.SetDefault("orchestrator.history_turns", d.Orchestrator.HistoryTurns)
	v.SetDefault("orchestrator.post_action_delay", d.Orchestrator.PostActionDelay)
	v.SetDefault("orchestrator.vlm_timeout", d.Orchestrator.VLMTimeout)

	v.SetDefault("vlm.catalog_path", d.VLM.CatalogPath)
	v.SetDefault("vlm.default_model", d.VLM.DefaultModel)

	v.SetDefault("actuator.headless", d.Actuator.Headless)
	v.SetDefault("actuator.width", d.Actuator.Width)
	v.SetDefault("actuator.height", d.Actuator.Height)
	v.SetDefault("actuator.start_url", d.Actuator.StartURL)

	v.SetDefault("session.mysql_dsn", d.Session.MySQLDSN)

	v.SetDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.log_export_enabled", d.Telemetry.LogExportEnabled)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
}
