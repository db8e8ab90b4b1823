// Package config loads the exbot configuration from defaults, an optional
// YAML file, an optional .env file and EXBOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/johnayoung/go-exbot/internal/errors"
	"github.com/johnayoung/go-exbot/internal/models"
	"github.com/johnayoung/go-exbot/internal/storage"
)

const (
	// FileName is the configuration file inside the root directory
	FileName = "exbot.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "EXBOT_"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	Storage  StorageConfig  `yaml:"storage"`
	Exchange ExchangeConfig `yaml:"exchange"`
	HTTP     HTTPConfig     `yaml:"http"`
	Decoder  DecoderConfig  `yaml:"decoder"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	Type           string `yaml:"db_type" validate:"storage_kind"`
	Endpoint       string `yaml:"db_endpoint"`
	ConnectTimeout string `yaml:"connect_timeout" validate:"duration"`
}

// ExchangeConfig selects the exchange and its credentials
type ExchangeConfig struct {
	Name      string `yaml:"name" validate:"exchange"`
	Host      string `yaml:"host,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	APISecret string `yaml:"api_secret,omitempty"`
}

// HTTPConfig contains exchange client settings
type HTTPConfig struct {
	Timeout   string `yaml:"timeout" validate:"duration"`
	UserAgent string `yaml:"user_agent,omitempty"`
}

// DecoderConfig contains kline row decoding settings
type DecoderConfig struct {
	Mode string `yaml:"mode" validate:"decode_mode"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string            `yaml:"level" validate:"oneof=debug info warn error"`
	Format        string            `yaml:"format" validate:"oneof=json text"`
	Output        string            `yaml:"output" validate:"oneof=stdout stderr file"`
	FilePath      string            `yaml:"file_path,omitempty" validate:"required_if=Output file"`
	MaxSize       int               `yaml:"max_size" validate:"min=0"`
	MaxBackups    int               `yaml:"max_backups" validate:"min=0"`
	MaxAge        int               `yaml:"max_age" validate:"min=0"`
	Compress      bool              `yaml:"compress"`
	ContextFields map[string]string `yaml:"context_fields,omitempty"`
}

// RootDir returns $EXBOT_PATH, or ~/.exbot when it is unset.
func RootDir() string {
	if dir := os.Getenv(EnvPrefix + "PATH"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".exbot"
	}
	return filepath.Join(home, ".exbot")
}

// DefaultPath returns the configuration file path inside RootDir.
func DefaultPath() string {
	return filepath.Join(RootDir(), FileName)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Storage: StorageConfig{
			Type:           string(storage.KindSQLite),
			Endpoint:       filepath.Join(RootDir(), "exbot.db"),
			ConnectTimeout: "10s",
		},
		Exchange: ExchangeConfig{
			Name: string(models.ExchangeBinance),
		},
		HTTP: HTTPConfig{
			Timeout: "30s",
		},
		Decoder: DecoderConfig{
			Mode: models.Lenient.String(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "exbot",
			},
		},
	}
}

// ConfigManager loads and persists the application configuration
type ConfigManager struct {
	configPath string
	envFile    string
	logger     *slog.Logger
	config     *AppConfig
}

// NewConfigManager creates a configuration manager. An empty path means
// DefaultPath().
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	if configPath == "" {
		configPath = DefaultPath()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    filepath.Join(filepath.Dir(configPath), ".env"),
		logger:     logger,
	}
}

// Path returns the configuration file the manager reads and writes.
func (cm *ConfigManager) Path() string {
	return cm.configPath
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. EXBOT_* environment variables (highest priority)
// 2. .env file next to the configuration file
// 3. Configuration file
// 4. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig() (*AppConfig, error) {
	config := DefaultConfig()

	if err := cm.loadFromFile(config); err != nil {
		return nil, apperrors.NewConfigurationError("config", "load_file", err)
	}

	if err := cm.loadEnvFile(); err != nil {
		return nil, apperrors.NewConfigurationError("config", "load_env_file", err)
	}

	cm.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"db_type", config.Storage.Type,
		"exchange", config.Exchange.Name,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile overlays the YAML file when it exists
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadEnvFile exports the .env file into the process environment without
// overriding variables that are already set.
func (cm *ConfigManager) loadEnvFile() error {
	if _, err := os.Stat(cm.envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

// loadFromEnv overlays EXBOT_* environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) {
	overrides := map[string]*string{
		"DB_TYPE":         &config.Storage.Type,
		"DB_ENDPOINT":     &config.Storage.Endpoint,
		"CONNECT_TIMEOUT": &config.Storage.ConnectTimeout,
		"EXCHANGE":        &config.Exchange.Name,
		"EXCHANGE_HOST":   &config.Exchange.Host,
		"API_KEY":         &config.Exchange.APIKey,
		"API_SECRET":      &config.Exchange.APISecret,
		"HTTP_TIMEOUT":    &config.HTTP.Timeout,
		"USER_AGENT":      &config.HTTP.UserAgent,
		"DECODE_MODE":     &config.Decoder.Mode,
		"LOG_LEVEL":       &config.Logging.Level,
		"LOG_FORMAT":      &config.Logging.Format,
		"LOG_OUTPUT":      &config.Logging.Output,
		"LOG_FILE_PATH":   &config.Logging.FilePath,
	}

	for name, field := range overrides {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok && val != "" {
			*field = val
		}
	}
}

// Validate checks every field and reports all problems at once as one
// configuration error.
func (c *AppConfig) Validate() error {
	var problems []string

	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperrors.NewConfigurationError("config", "validate", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") {
		problems = append(problems, "exchange.api_key and exchange.api_secret must be set together")
	}

	if len(problems) > 0 {
		return apperrors.NewConfigurationError("config", "validate",
			fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- ")))
	}
	return nil
}

var configValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their YAML path, e.g. storage.db_type
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	rules := map[string]func(string) bool{
		"storage_kind": func(s string) bool { _, err := storage.ParseKind(s); return err == nil },
		"exchange":     func(s string) bool { _, err := models.ParseExchangeID(s); return err == nil },
		"decode_mode":  func(s string) bool { _, err := models.ParseDecodeMode(s); return err == nil },
		"duration":     func(s string) bool { _, err := parseDuration(s); return err == nil },
	}
	for tag, ok := range rules {
		err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return ok(fl.Field().String())
		})
		if err != nil {
			panic(err)
		}
	}
	return v
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "storage_kind":
		return fmt.Sprintf("%s %q is not a known backend", field, fe.Value())
	case "exchange":
		return fmt.Sprintf("%s %q is not supported", field, fe.Value())
	case "decode_mode":
		return fmt.Sprintf("%s must be one of: lenient, strict", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration, got %q", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "required_if":
		cond := strings.SplitN(fe.Param(), " ", 2)
		return fmt.Sprintf("%s is required when %s is %s", field, strings.ToLower(cond[0]), cond[len(cond)-1])
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// Backend converts the storage section into a backend selection.
func (c *AppConfig) Backend() (storage.Config, error) {
	kind, err := storage.ParseKind(c.Storage.Type)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Kind: kind, Endpoint: c.Storage.Endpoint}, nil
}

// ConnectTimeout returns the storage reachability timeout.
func (c *AppConfig) ConnectTimeout() time.Duration {
	d, _ := parseDuration(c.Storage.ConnectTimeout)
	return d
}

// HTTPTimeout returns the exchange request timeout.
func (c *AppConfig) HTTPTimeout() time.Duration {
	d, _ := parseDuration(c.HTTP.Timeout)
	return d
}

// DecodeMode returns the configured row decoding mode.
func (c *AppConfig) DecodeMode() models.DecodeMode {
	mode, _ := models.ParseDecodeMode(c.Decoder.Mode)
	return mode
}

// GetConfig returns the last loaded configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// Init writes a fresh configuration file. It refuses to overwrite an
// existing one.
func (cm *ConfigManager) Init(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); err == nil {
		return apperrors.NewConfigurationError("config", "init",
			fmt.Errorf("config file already exists: %s", cm.configPath))
	}
	return cm.Save(config)
}

// Save writes the configuration file, replacing any existing one.
func (cm *ConfigManager) Save(config *AppConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0o755); err != nil {
		return apperrors.NewConfigurationError("config", "save",
			fmt.Errorf("failed to create config directory: %w", err))
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return apperrors.NewConfigurationError("config", "save",
			fmt.Errorf("failed to marshal configuration: %w", err))
	}

	if err := os.WriteFile(cm.configPath, data, 0o600); err != nil {
		return apperrors.NewConfigurationError("config", "save",
			fmt.Errorf("failed to write config file: %w", err))
	}

	cm.config = config
	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// String returns the configuration as YAML with credentials redacted
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Exchange.APIKey != "" {
		sanitized.Exchange.APIKey = "[REDACTED]"
	}
	if sanitized.Exchange.APISecret != "" {
		sanitized.Exchange.APISecret = "[REDACTED]"
	}

	data, _ := yaml.Marshal(&sanitized)
	return string(data)
}

func parseDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", value)
	}
	return d, nil
}
