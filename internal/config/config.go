// Package config loads the detection engine's structured configuration
// blob (§6.3): thresholds, signatures, whitelists, and rule parameters.
// Unknown keys are ignored; missing keys fall back to the defaults in New.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Thresholds holds the numeric cutoffs the signature rules evaluate
// against.
type Thresholds struct {
	MassDeletionRows      int64   `yaml:"mass_deletion_rows"`
	ExecutionTimeLimitMs  float64 `yaml:"execution_time_limit_ms"`
	CPUTimeLimitMs        float64 `yaml:"cpu_time_limit_ms"`
	LockTimeLimitMs       float64 `yaml:"lock_time_limit_ms"`
	BruteForceAttempts    int64   `yaml:"brute_force_attempts"`
	ScanEfficiencyMin     float64 `yaml:"scan_efficiency_min"`
	ScanEfficiencyMinRows int64   `yaml:"scan_efficiency_min_rows"`
	MaxQueryEntropy       float64 `yaml:"max_query_entropy"`
	WarningCountThreshold int64   `yaml:"warning_count_threshold"`
	IndexEvasionMinRows   int64   `yaml:"index_evasion_min_rows"`
}

// Signatures holds the lists the signature rules match SQL text, programs,
// and table names against.
type Signatures struct {
	SQLIKeywords              []string `yaml:"sqli_keywords"`
	AdminKeywords             []string `yaml:"admin_keywords"`
	SensitiveTables           []string `yaml:"sensitive_tables"`
	LargeDumpTables           []string `yaml:"large_dump_tables"`
	DisallowedPrograms        []string `yaml:"disallowed_programs"`
	RestrictedConnectionUsers []string `yaml:"restricted_connection_users"`
}

// Whitelists holds the users and SQL keywords that exempt an event from
// every rule (§4.4.6).
type Whitelists struct {
	MaintenanceUsers    []string `yaml:"maintenance_users"`
	MaintenanceKeywords []string `yaml:"maintenance_keywords"`
}

// Rules holds the parameters governing temporal, session, and profiling
// behavior.
type Rules struct {
	LateNightStartTime    string   `yaml:"late_night_start_time"`
	LateNightEndTime      string   `yaml:"late_night_end_time"`
	SafeHoursStart        int      `yaml:"safe_hours_start"`
	SafeHoursEnd          int      `yaml:"safe_hours_end"`
	SafeWeekdays          []int    `yaml:"safe_weekdays"`
	TimeWindowMinutes     int      `yaml:"time_window_minutes"`
	MinDistinctTables     int      `yaml:"min_distinct_tables"`
	ProfileMinSamples     int      `yaml:"profile_min_samples"`
	QuantileStart         float64  `yaml:"quantile_start"`
	QuantileEnd           float64  `yaml:"quantile_end"`
	AllowedUsersSensitive []string `yaml:"allowed_users_sensitive"`
	AdminUsers            []string `yaml:"admin_users"`
}

// Config is the top-level detection engine configuration.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Signatures Signatures `yaml:"signatures"`
	Whitelists Whitelists `yaml:"whitelists"`
	Rules      Rules      `yaml:"rules"`

	// Operational surface (§6.5), decoded from environment rather than YAML.
	DatabaseURL        string `env:"DATABASE_URL"`
	MySQLLogDatabaseURL string `env:"MYSQL_LOG_DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	LogsDir            string `env:"UBA_LOGS_DIR"`
}

// New returns a Config populated with the defaults given informally in §6.3.
func New() *Config {
	return &Config{
		Thresholds: Thresholds{
			MassDeletionRows:      500,
			ExecutionTimeLimitMs:  5000,
			CPUTimeLimitMs:        1000,
			LockTimeLimitMs:       500,
			BruteForceAttempts:    5,
			ScanEfficiencyMin:     0.01,
			ScanEfficiencyMinRows: 1000,
			MaxQueryEntropy:       6.0,
			WarningCountThreshold: 5,
			IndexEvasionMinRows:   1000,
		},
		Signatures: Signatures{
			SQLIKeywords: []string{
				"UNION SELECT", "OR 1=1", "SLEEP(", "BENCHMARK(",
				"UPDATEXML", "EXTRACTVALUE", "--", "#", "INFORMATION_SCHEMA",
			},
			AdminKeywords: []string{"GRANT", "REVOKE", "CREATE USER", "DROP USER", "SET PASSWORD"},
		},
		Rules: Rules{
			SafeHoursStart:    8,
			SafeHoursEnd:      18,
			SafeWeekdays:      []int{1, 2, 3, 4, 5},
			TimeWindowMinutes: 30,
			MinDistinctTables: 5,
			ProfileMinSamples: 30,
			QuantileStart:     0.01,
			QuantileEnd:       0.99,
		},
		LogsDir: "./data",
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE env var,
// or configs/detector.yaml if unset) and then overlays environment
// variables, mirroring the layering order used throughout this codebase's
// other processes.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/detector.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
