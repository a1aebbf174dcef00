// Package config loads the broker's and façade's settings through a
// layered viper configuration: CLI flag > environment variable > config
// file (OBS_CONFIG_FILE) > built-in default, per spec.md §6.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Broker holds every BROKER_* and OBS_PROJECT/OBS_LOCATION setting the
// broker process needs to bind its HTTP surface and state store.
type Broker struct {
	Host                   string
	Port                   int
	StateFile              string
	AuditFile              string
	MaxBodyBytes           int64
	EvictionInterval       time.Duration
	OperationTTL           time.Duration
	OperationMax           int
	AllowedOrigin          string
	AuditPayloadTokenLimit int
	Project                string
	Location               string
}

// Facade holds every setting the control façade needs: its own HTTP bind
// address, the downstream broker it fronts, its control token, and the
// Trade-Event Ingestor / Process Supervisor Probe inputs it reads locally.
type Facade struct {
	Host              string
	Port              int
	MaxBodyBytes      int64
	BrokerBaseURL     string
	ControlToken      string
	ControlAuditFile  string
	SupervisorDir     string
	TradesDir         string
	DownstreamTimeout time.Duration
	OperationTTL      time.Duration
	OperationMax      int
	AllowedOrigin     string
	Project           string
	Location          string
}

// Config bundles both processes' settings; obsctl's broker-serve and
// facade-serve subcommands each read only the half they need.
type Config struct {
	Broker Broker
	Facade Facade
}

const defaultAuditPayloadTokenLimit = 256

func defaultStateDir() string {
	return filepath.Join(".", ".trading-cli", "observability")
}

func defaultSupervisorDir() string {
	return filepath.Join(".", ".trading-cli", "supervisor")
}

// keys is every env var this package recognizes, bound 1:1 so
// v.AutomaticEnv() + explicit defaults behave the same whether the value
// came from the process environment or from OBS_CONFIG_FILE.
var keys = []string{
	"BROKER_HOST", "BROKER_PORT", "BROKER_STATE_FILE", "BROKER_AUDIT_FILE",
	"BROKER_MAX_BODY_BYTES", "BROKER_EVICTION_INTERVAL", "BROKER_OPERATION_TTL",
	"BROKER_OPERATION_MAX", "BROKER_AUDIT_PAYLOAD_TOKEN_LIMIT",
	"TRACE_API_HOST", "TRACE_API_PORT", "TRACE_API_MAX_BODY_BYTES",
	"TRADES_DIR", "BROKER_BASE_URL", "OBS_PROJECT", "OBS_LOCATION",
	"OBS_CONTROL_TOKEN", "OBS_CONTROL_AUDIT_FILE", "OBS_ALLOWED_ORIGIN",
	"OBS_SUPERVISOR_DIR", "BROKER_DOWNSTREAM_TIMEOUT",
	"FACADE_OPERATION_TTL", "FACADE_OPERATION_MAX", "OBS_CONFIG_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BROKER_HOST", "127.0.0.1")
	v.SetDefault("BROKER_PORT", 8787)
	v.SetDefault("BROKER_STATE_FILE", filepath.Join(defaultStateDir(), "broker-state.json"))
	v.SetDefault("BROKER_AUDIT_FILE", filepath.Join(defaultStateDir(), "control-audit.jsonl"))
	v.SetDefault("BROKER_MAX_BODY_BYTES", 1048576)
	v.SetDefault("BROKER_EVICTION_INTERVAL", "5m")
	v.SetDefault("BROKER_OPERATION_TTL", "24h")
	v.SetDefault("BROKER_OPERATION_MAX", 5000)
	v.SetDefault("BROKER_AUDIT_PAYLOAD_TOKEN_LIMIT", defaultAuditPayloadTokenLimit)

	v.SetDefault("TRACE_API_HOST", "127.0.0.1")
	v.SetDefault("TRACE_API_PORT", 8791)
	v.SetDefault("TRACE_API_MAX_BODY_BYTES", 1048576)

	v.SetDefault("TRADES_DIR", filepath.Join(".", "TRADES"))
	v.SetDefault("BROKER_BASE_URL", "http://127.0.0.1:8787")
	v.SetDefault("OBS_PROJECT", "local")
	v.SetDefault("OBS_LOCATION", "us-central1")
	v.SetDefault("OBS_CONTROL_TOKEN", "local-dev-token")
	v.SetDefault("OBS_CONTROL_AUDIT_FILE", filepath.Join(defaultStateDir(), "facade-control-audit.jsonl"))
	v.SetDefault("OBS_ALLOWED_ORIGIN", "")
	v.SetDefault("OBS_SUPERVISOR_DIR", defaultSupervisorDir())
	v.SetDefault("BROKER_DOWNSTREAM_TIMEOUT", "10s")
	v.SetDefault("FACADE_OPERATION_TTL", "24h")
	v.SetDefault("FACADE_OPERATION_MAX", 5000)
}

// Load builds a Config from v (a caller-provided viper instance, so
// obsctl's subcommands can bind their own CLI flags into the same
// instance before calling Load). A nil v builds a fresh one. If
// OBS_CONFIG_FILE is set in the environment, that file is merged in
// before defaults are consulted, giving the precedence order flag > env >
// file > default that viper implements natively.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", k, err)
		}
	}
	if path := v.GetString("OBS_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	setDefaults(v)

	evictionInterval, err := time.ParseDuration(v.GetString("BROKER_EVICTION_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("config: BROKER_EVICTION_INTERVAL: %w", err)
	}
	operationTTL, err := time.ParseDuration(v.GetString("BROKER_OPERATION_TTL"))
	if err != nil {
		return nil, fmt.Errorf("config: BROKER_OPERATION_TTL: %w", err)
	}
	downstreamTimeout, err := time.ParseDuration(v.GetString("BROKER_DOWNSTREAM_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("config: BROKER_DOWNSTREAM_TIMEOUT: %w", err)
	}
	facadeOpTTL, err := time.ParseDuration(v.GetString("FACADE_OPERATION_TTL"))
	if err != nil {
		return nil, fmt.Errorf("config: FACADE_OPERATION_TTL: %w", err)
	}

	maxBody := v.GetInt64("BROKER_MAX_BODY_BYTES")
	if maxBody < 1024 {
		maxBody = 1024
	}

	project := v.GetString("OBS_PROJECT")
	location := v.GetString("OBS_LOCATION")

	cfg := &Config{
		Broker: Broker{
			Host:                   v.GetString("BROKER_HOST"),
			Port:                   v.GetInt("BROKER_PORT"),
			StateFile:              v.GetString("BROKER_STATE_FILE"),
			AuditFile:              v.GetString("BROKER_AUDIT_FILE"),
			MaxBodyBytes:           maxBody,
			EvictionInterval:       evictionInterval,
			OperationTTL:           operationTTL,
			OperationMax:           v.GetInt("BROKER_OPERATION_MAX"),
			AllowedOrigin:          v.GetString("OBS_ALLOWED_ORIGIN"),
			AuditPayloadTokenLimit: v.GetInt("BROKER_AUDIT_PAYLOAD_TOKEN_LIMIT"),
			Project:                project,
			Location:               location,
		},
		Facade: Facade{
			Host:              v.GetString("TRACE_API_HOST"),
			Port:              v.GetInt("TRACE_API_PORT"),
			MaxBodyBytes:      v.GetInt64("TRACE_API_MAX_BODY_BYTES"),
			BrokerBaseURL:     v.GetString("BROKER_BASE_URL"),
			ControlToken:      v.GetString("OBS_CONTROL_TOKEN"),
			ControlAuditFile:  v.GetString("OBS_CONTROL_AUDIT_FILE"),
			SupervisorDir:     v.GetString("OBS_SUPERVISOR_DIR"),
			TradesDir:         v.GetString("TRADES_DIR"),
			DownstreamTimeout: downstreamTimeout,
			OperationTTL:      facadeOpTTL,
			OperationMax:      v.GetInt("FACADE_OPERATION_MAX"),
			AllowedOrigin:     v.GetString("OBS_ALLOWED_ORIGIN"),
			Project:           project,
			Location:          location,
		},
	}
	return cfg, nil
}
