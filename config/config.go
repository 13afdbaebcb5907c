package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	AppName        = "shelfie"
	EnvFileName    = "config.env"
	ConfigFileName = "shelfie"
	EnvPrefix      = "SHELFIE"
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Secret   string         `mapstructure:"secret"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Run      RunConfig      `mapstructure:"run"`
	Bulk     BulkConfig     `mapstructure:"bulk"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Mode is the gin mode: debug, release or test.
	Mode string `mapstructure:"mode"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File is an optional log file written next to stderr.
	File string `mapstructure:"file"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type GeminiConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	LiteModel string `mapstructure:"lite_model"`
}

// BackendConfig points at the hosted listing table. Listings are kept only in
// the local store when URL is empty.
type BackendConfig struct {
	URL     string `mapstructure:"url"`
	AnonKey string `mapstructure:"anon_key"`
	Table   string `mapstructure:"table"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type RunConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type BulkConfig struct {
	MaxPhotos   int           `mapstructure:"max_photos"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// SessionTTL is how long an idle HTTP bulk session is kept.
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
}

type TelegramConfig struct {
	Token        string  `mapstructure:"token"`
	AdminID      int64   `mapstructure:"admin_id"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
}

// Load reads shelfie.yaml from the working directory or ./config when
// present, then applies SHELFIE_* environment overrides. SHELFIE_GEMINI_API_KEY
// overrides gemini.api_key.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("db.path", "shelfie.db")
	v.SetDefault("secret", "")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-3-flash-preview")
	v.SetDefault("gemini.lite_model", "gemini-2.5-flash-lite")

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.anon_key", "")
	v.SetDefault("backend.table", "listings")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("redis.url", "")
	v.SetDefault("run.ttl", "24h")

	v.SetDefault("bulk.max_photos", 4)
	v.SetDefault("bulk.cooldown", "500ms")
	v.SetDefault("bulk.call_timeout", "60s")
	v.SetDefault("bulk.session_ttl", "2h")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.admin_id", 0)
	v.SetDefault("telegram.allowed_users", []int64{})
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is not set (SHELFIE_SECRET)")
	}
	if c.Bulk.MaxPhotos < 1 {
		return fmt.Errorf("bulk.max_photos must be at least 1, got %d", c.Bulk.MaxPhotos)
	}
	if c.Bulk.Cooldown < 0 {
		return fmt.Errorf("bulk.cooldown must not be negative, got %s", c.Bulk.Cooldown)
	}
	if c.Telegram.Token != "" && c.Telegram.AdminID == 0 {
		return errors.New("telegram.admin_id is required when telegram.token is set")
	}
	return nil
}

// TelegramEnabled reports whether the Telegram front door should run.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.Token != ""
}
