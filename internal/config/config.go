// Package config resolves runtime configuration from environment
// variables (prefix AEGIS_), optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LMConfig configures the language-model backend client.
type LMConfig struct {
	Endpoint    string        `json:"endpoint"`
	Model       string        `json:"model"`
	APIKey      string        `json:"api_key,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	Temperature float64       `json:"temperature"`
}

// ClusterConfig configures cluster API access.
type ClusterConfig struct {
	InCluster      bool          `json:"in_cluster"`
	KubeconfigPath string        `json:"kubeconfig_path"`
	Context        string        `json:"context"`
	Namespace      string        `json:"namespace"`
	APITimeout     time.Duration `json:"api_timeout"`
}

// DiagnosticsConfig configures the external diagnostic tool invocation.
type DiagnosticsConfig struct {
	Tool         string        `json:"tool"`
	Timeout      time.Duration `json:"timeout"`
	MockMode     bool          `json:"mock_mode"`
	LogTailLines int64         `json:"log_tail_lines"`
}

// ShadowConfig configures the shadow environment manager.
type ShadowConfig struct {
	Runtime             string        `json:"runtime"`
	NamespacePrefix     string        `json:"namespace_prefix"`
	AutoCleanup         bool          `json:"auto_cleanup"`
	CleanupTimeout      time.Duration `json:"cleanup_timeout"`
	VerificationTimeout time.Duration `json:"verification_timeout"`
	CPURequest          string        `json:"cpu_request"`
	MemoryRequest       string        `json:"memory_request"`
	MaxConcurrent       int           `json:"max_concurrent_shadows"`
}

// SecurityConfig configures the scanner chain.
type SecurityConfig struct {
	ImageScanEnabled       bool          `json:"image_scan_enabled"`
	ImageScanSeverity      string        `json:"image_scan_severity"`
	RuntimeAlertsEnabled   bool          `json:"runtime_alerts_enabled"`
	RuntimeAlertsSeverity  string        `json:"runtime_alerts_severity"`
	RuntimeAlertsNamespace string        `json:"runtime_alerts_source_namespace"`
	RuntimeAlertsSelector  string        `json:"runtime_alerts_selector"`
	WebScanEnabled         bool          `json:"web_scan_enabled"`
	WebScanTarget          string        `json:"web_scan_target"`
	ManifestScanEnabled    bool          `json:"manifest_scan_enabled"`
	ManifestBlockCritical  bool          `json:"manifest_scan_block_on_critical"`
	ScannerTimeout         time.Duration `json:"scanner_timeout"`
}

// RollbackConfig configures the post-apply watcher.
type RollbackConfig struct {
	Enabled            bool          `json:"rollback_enabled"`
	Window             time.Duration `json:"rollback_window_seconds"`
	ErrorRateThreshold float64       `json:"rollback_error_rate_threshold"`
}

// OperatorConfig configures queue and processor behavior.
type OperatorConfig struct {
	QueueCapacity        int           `json:"queue_capacity"`
	MergeWindow          time.Duration `json:"merge_window"`
	Workers              int           `json:"workers"`
	DequeueTimeout       time.Duration `json:"dequeue_timeout"`
	ProductionNamespaces []string      `json:"production_namespaces"`
	AutoApproveNonProd   bool          `json:"auto_approve_nonprod"`
	MetricsPort          int           `json:"metrics_port"`
}

// Config is the resolved configuration tree.
type Config struct {
	LM          LMConfig          `json:"lm"`
	Cluster     ClusterConfig     `json:"cluster"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Shadow      ShadowConfig      `json:"shadow"`
	Security    SecurityConfig    `json:"security"`
	Rollback    RollbackConfig    `json:"rollback"`
	Operator    OperatorConfig    `json:"operator"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	EnvFile   string `json:"-"`
}

// Load resolves configuration from the environment. If envFile is
// non-empty and exists it is loaded first without overriding variables
// already present in the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{
		LM: LMConfig{
			Endpoint:    envString("AEGIS_LM_ENDPOINT", "http://localhost:11434/api/chat"),
			Model:       envString("AEGIS_LM_MODEL", "llama3.1"),
			APIKey:      envString("AEGIS_LM_API_KEY", ""),
			Timeout:     envDuration("AEGIS_LM_TIMEOUT", 60*time.Second),
			MaxRetries:  envInt("AEGIS_LM_MAX_RETRIES", 1),
			Temperature: envFloat("AEGIS_LM_TEMPERATURE", 0.1),
		},
		Cluster: ClusterConfig{
			InCluster:      envBool("AEGIS_CLUSTER_IN_CLUSTER", false),
			KubeconfigPath: envString("AEGIS_CLUSTER_KUBECONFIG_PATH", ""),
			Context:        envString("AEGIS_CLUSTER_CONTEXT", ""),
			Namespace:      envString("AEGIS_CLUSTER_NAMESPACE", "default"),
			APITimeout:     envDuration("AEGIS_CLUSTER_API_TIMEOUT", 30*time.Second),
		},
		Diagnostics: DiagnosticsConfig{
			Tool:         envString("AEGIS_DIAGNOSTICS_TOOL", "k8sgpt"),
			Timeout:      envDuration("AEGIS_DIAGNOSTICS_TIMEOUT", 60*time.Second),
			MockMode:     envBool("AEGIS_DIAGNOSTICS_MOCK", false),
			LogTailLines: int64(envInt("AEGIS_DIAGNOSTICS_LOG_TAIL_LINES", 100)),
		},
		Shadow: ShadowConfig{
			Runtime:             envString("AEGIS_SHADOW_RUNTIME", "namespace"),
			NamespacePrefix:     envString("AEGIS_SHADOW_NAMESPACE_PREFIX", "aegis-shadow"),
			AutoCleanup:         envBool("AEGIS_SHADOW_AUTO_CLEANUP", true),
			CleanupTimeout:      envDuration("AEGIS_SHADOW_CLEANUP_TIMEOUT", 60*time.Second),
			VerificationTimeout: envDuration("AEGIS_SHADOW_VERIFICATION_TIMEOUT", 600*time.Second),
			CPURequest:          envString("AEGIS_SHADOW_CPU_REQUEST", "100m"),
			MemoryRequest:       envString("AEGIS_SHADOW_MEMORY_REQUEST", "128Mi"),
			MaxConcurrent:       envInt("AEGIS_SHADOW_MAX_CONCURRENT_SHADOWS", 3),
		},
		Security: SecurityConfig{
			ImageScanEnabled:       envBool("AEGIS_SECURITY_IMAGE_SCAN_ENABLED", true),
			ImageScanSeverity:      envString("AEGIS_SECURITY_IMAGE_SCAN_SEVERITY", "CRITICAL,HIGH"),
			RuntimeAlertsEnabled:   envBool("AEGIS_SECURITY_RUNTIME_ALERTS_ENABLED", true),
			RuntimeAlertsSeverity:  envString("AEGIS_SECURITY_RUNTIME_ALERTS_SEVERITY", "WARNING"),
			RuntimeAlertsNamespace: envString("AEGIS_SECURITY_RUNTIME_ALERTS_SOURCE_NAMESPACE", "falco"),
			RuntimeAlertsSelector:  envString("AEGIS_SECURITY_RUNTIME_ALERTS_SELECTOR", "app=falco"),
			WebScanEnabled:         envBool("AEGIS_SECURITY_WEB_SCAN_ENABLED", false),
			WebScanTarget:          envString("AEGIS_SECURITY_WEB_SCAN_TARGET", ""),
			ManifestScanEnabled:    envBool("AEGIS_SECURITY_MANIFEST_SCAN_ENABLED", true),
			ManifestBlockCritical:  envBool("AEGIS_SECURITY_MANIFEST_SCAN_BLOCK_ON_CRITICAL", true),
			ScannerTimeout:         envDuration("AEGIS_SECURITY_SCANNER_TIMEOUT", 300*time.Second),
		},
		Rollback: RollbackConfig{
			Enabled:            envBool("AEGIS_ROLLBACK_ENABLED", true),
			Window:             envDuration("AEGIS_ROLLBACK_WINDOW_SECONDS", 300*time.Second),
			ErrorRateThreshold: envFloat("AEGIS_ROLLBACK_ERROR_RATE_THRESHOLD", 1.2),
		},
		Operator: OperatorConfig{
			QueueCapacity:        envInt("AEGIS_QUEUE_CAPACITY", 256),
			MergeWindow:          envDuration("AEGIS_QUEUE_MERGE_WINDOW", 300*time.Second),
			Workers:              envInt("AEGIS_OPERATOR_WORKERS", 4),
			DequeueTimeout:       envDuration("AEGIS_OPERATOR_DEQUEUE_TIMEOUT", 30*time.Second),
			ProductionNamespaces: envList("AEGIS_OPERATOR_PRODUCTION_NAMESPACES", []string{"production"}),
			AutoApproveNonProd:   envBool("AEGIS_APPROVAL_AUTO_NONPROD", false),
			MetricsPort:          envInt("AEGIS_METRICS_PORT", 9092),
		},
		LogLevel:  envString("AEGIS_LOG_LEVEL", "info"),
		LogFormat: envString("AEGIS_LOG_FORMAT", "auto"),
		EnvFile:   envFile,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces option ranges.
func (c *Config) Validate() error {
	if c.LM.Endpoint == "" {
		return fmt.Errorf("lm endpoint must not be empty")
	}
	if c.LM.Timeout <= 0 {
		return fmt.Errorf("lm timeout must be positive")
	}
	if c.LM.MaxRetries < 0 || c.LM.MaxRetries > 5 {
		return fmt.Errorf("lm max_retries must be in [0,5]")
	}
	if c.LM.Temperature < 0 || c.LM.Temperature > 2 {
		return fmt.Errorf("lm temperature must be in [0,2]")
	}
	if c.Shadow.Runtime != "namespace" {
		return fmt.Errorf("unsupported shadow runtime %q (only \"namespace\" is implemented)", c.Shadow.Runtime)
	}
	if c.Shadow.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent_shadows must be positive")
	}
	if c.Operator.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Operator.Workers <= 0 {
		return fmt.Errorf("operator workers must be positive")
	}
	if c.Rollback.ErrorRateThreshold < 1 {
		return fmt.Errorf("rollback error rate threshold must be >= 1")
	}
	return nil
}

// IsProductionNamespace reports whether ns is treated as production for
// locking and approval purposes.
func (c *Config) IsProductionNamespace(ns string) bool {
	ns = strings.TrimSpace(ns)
	for _, p := range c.Operator.ProductionNamespaces {
		if strings.EqualFold(p, ns) {
			return true
		}
	}
	return false
}

// Masked returns a copy safe for display: secret values are replaced.
func (c *Config) Masked() Config {
	masked := *c
	if masked.LM.APIKey != "" {
		masked.LM.APIKey = "***"
	}
	return masked
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid bool %s=%q; using %v\n", key, v, fallback)
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid int %s=%q; using %d\n", key, v, fallback)
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid float %s=%q; using %g\n", key, v, fallback)
		return fallback
	}
	return parsed
}

// envDuration accepts either a Go duration string or a bare number of
// seconds, matching the *_SECONDS option names.
func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v = strings.TrimSpace(v)
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid duration %s=%q; using %s\n", key, v, fallback)
		return fallback
	}
	return parsed
}

func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
