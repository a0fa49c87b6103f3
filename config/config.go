package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/llm-provider-manager/services/manager"
	"github.com/upb/llm-provider-manager/services/providers"
	"github.com/upb/llm-provider-manager/services/providers/openai"
	"github.com/upb/llm-provider-manager/services/routing"
	"github.com/upb/llm-provider-manager/utils"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Manager       manager.Config
	Providers     map[string]providers.ProviderConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// fileConfig is the layout of the optional YAML file named by MANAGER_CONFIG_FILE
type fileConfig struct {
	Manager   *manager.Config                     `yaml:"manager"`
	Providers map[string]providers.ProviderConfig `yaml:"providers"`
}

// New creates a new Config instance. Values come from defaults, then the
// optional YAML file, then environment variables.
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Manager:   manager.DefaultConfig(),
		Providers: make(map[string]providers.ProviderConfig),
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if path := getEnv("MANAGER_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadManagerEnv()
	cfg.loadProvidersEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	normalizeDurations(&root)

	file := fileConfig{Manager: &c.Manager}
	if err := root.Decode(&file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for id, pc := range file.Providers {
		c.Providers[strings.ToLower(id)] = pc
	}
	return nil
}

// durationKeys are the file keys holding a time.Duration
var durationKeys = map[string]bool{
	"health_check_interval": true,
	"health_check_timeout":  true,
	"timeout":               true,
}

// normalizeDurations rewrites bare integers under the duration keys of the
// manager section and of each provider entry as milliseconds, matching the
// environment variables. yaml.v3 would otherwise read them as nanoseconds.
func normalizeDurations(root *yaml.Node) {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}

	if section := mappingValue(doc, "manager"); section != nil {
		millisecondsToDuration(section)
	}
	if list := mappingValue(doc, "providers"); list != nil && list.Kind == yaml.MappingNode {
		for i := 1; i < len(list.Content); i += 2 {
			millisecondsToDuration(list.Content[i])
		}
	}
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func millisecondsToDuration(node *yaml.Node) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		value := node.Content[i+1]
		if !durationKeys[node.Content[i].Value] || value.Kind != yaml.ScalarNode || value.ShortTag() != "!!int" {
			continue
		}
		value.Value += "ms"
		value.Tag = "!!str"
		value.Style = 0
	}
}

func (c *Config) loadManagerEnv() {
	m := &c.Manager
	m.DefaultProviderID = strings.ToLower(getEnv("AI_DEFAULT_PROVIDER", m.DefaultProviderID))
	m.LoadBalanceStrategy = routing.Strategy(getEnv("AI_LOAD_BALANCE_STRATEGY", string(m.LoadBalanceStrategy)))
	m.EnableFailover = getEnvAsBool("AI_ENABLE_FAILOVER", m.EnableFailover)
	m.MaxRetries = getEnvAsInt("AI_MAX_RETRIES", m.MaxRetries)
	m.HealthCheckInterval = getEnvAsDuration("AI_HEALTH_CHECK_INTERVAL", m.HealthCheckInterval)
	m.HealthCheckTimeout = getEnvAsDuration("AI_HEALTH_CHECK_TIMEOUT", m.HealthCheckTimeout)
}

// loadProvidersEnv reads <VENDOR>_API_KEY and friends for every known vendor.
// A vendor is configured when its key is set or the YAML file names it.
func (c *Config) loadProvidersEnv() {
	for _, vendor := range openai.Vendors() {
		prefix := strings.ToUpper(vendor) + "_"
		pc, inFile := c.Providers[vendor]

		pc.APIKey = getEnv(prefix+"API_KEY", pc.APIKey)
		if pc.APIKey == "" && !inFile {
			continue
		}

		pc.APIBase = getEnv(prefix+"API_BASE", pc.APIBase)
		pc.Organization = getEnv(prefix+"ORGANIZATION", pc.Organization)
		pc.Timeout = getEnvAsDuration(prefix+"TIMEOUT", pc.Timeout)
		pc.RequestsPerSecond = getEnvAsFloat(prefix+"REQUESTS_PER_SECOND", pc.RequestsPerSecond)
		if value := os.Getenv(prefix + "WEIGHT"); value != "" {
			if w, err := strconv.ParseFloat(value, 64); err == nil {
				pc.Weight = &w
			}
		}

		c.Providers[vendor] = pc
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c.Manager); err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	for id, pc := range c.Providers {
		if err := utils.ValidateStruct(pc); err != nil {
			return fmt.Errorf("provider %s: %w", id, err)
		}
	}

	if c.IsProduction() && len(c.Providers) == 0 {
		return errors.New("at least one LLM provider must be configured in production")
	}

	if c.Observability.LogLevel == "" {
		return errors.New("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or plain milliseconds ("30000")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
