// Package config loads server settings from an optional YAML file and
// RAISE_* environment variables. Environment values win over the file.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         string `yaml:"port"`
	DBPath       string `yaml:"db_path"`
	BaseURL      string `yaml:"base_url"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	SecureCookie bool   `yaml:"secure_cookie"`

	// SessionKey signs session tokens. Hex, base64 or raw text of at least
	// 32 bytes.
	SessionKey string `yaml:"session_key"`

	// TrustedProxies lists the addresses or CIDR ranges whose forwarding
	// headers name the client. Empty means every peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Email  EmailConfig  `yaml:"email"`
	Redis  RedisConfig  `yaml:"redis"`
	Backup BackupConfig `yaml:"backup"`
	Admin  AdminConfig  `yaml:"admin"`
}

type EmailConfig struct {
	PostmarkToken string `yaml:"postmark_token"`
	From          string `yaml:"from"`
}

// RedisConfig enables the shared magic link store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type BackupConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Prefix        string `yaml:"prefix"`
	IntervalHours int    `yaml:"interval_hours"`
	RetentionDays int    `yaml:"retention_days"`
	// Passphrase encrypts snapshots before upload when set.
	Passphrase string `yaml:"passphrase"`
}

// AdminConfig bootstraps the first administrator on an empty database.
type AdminConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

func defaults() *Config {
	return &Config{
		Port:         "8080",
		DBPath:       "raisetracker.db",
		BaseURL:      "http://localhost:8080",
		LogLevel:     "info",
		LogFormat:    "text",
		SecureCookie: true,
		Email: EmailConfig{
			From: "noreply@raisetracker.local",
		},
		Backup: BackupConfig{
			Region:        "us-east-1",
			Prefix:        "backups",
			IntervalHours: 24,
			RetentionDays: 30,
		},
	}
}

// Load reads the file named by RAISE_CONFIG_FILE, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("RAISE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "RAISE_PORT")
	setString(&c.DBPath, "RAISE_DB_PATH")
	setString(&c.BaseURL, "RAISE_BASE_URL")
	setString(&c.LogLevel, "RAISE_LOG_LEVEL")
	setString(&c.LogFormat, "RAISE_LOG_FORMAT")
	setBool(&c.SecureCookie, "RAISE_SECURE_COOKIE")
	setString(&c.SessionKey, "RAISE_SESSION_KEY")
	setList(&c.TrustedProxies, "RAISE_TRUSTED_PROXIES")

	setString(&c.Email.PostmarkToken, "RAISE_POSTMARK_TOKEN")
	setString(&c.Email.From, "RAISE_EMAIL_FROM")

	setString(&c.Redis.Addr, "RAISE_REDIS_ADDR")
	setString(&c.Redis.Password, "RAISE_REDIS_PASSWORD")

	setString(&c.Backup.Endpoint, "RAISE_S3_ENDPOINT")
	setString(&c.Backup.Bucket, "RAISE_S3_BUCKET")
	setString(&c.Backup.Region, "RAISE_S3_REGION")
	setString(&c.Backup.AccessKey, "RAISE_S3_ACCESS_KEY")
	setString(&c.Backup.SecretKey, "RAISE_S3_SECRET_KEY")
	setString(&c.Backup.Prefix, "RAISE_S3_PREFIX")
	setInt(&c.Backup.IntervalHours, "RAISE_BACKUP_INTERVAL_HOURS")
	setInt(&c.Backup.RetentionDays, "RAISE_BACKUP_RETENTION_DAYS")
	setString(&c.Backup.Passphrase, "RAISE_BACKUP_PASSPHRASE")

	setString(&c.Admin.Email, "RAISE_ADMIN_EMAIL")
	setString(&c.Admin.Password, "RAISE_ADMIN_PASSWORD")
	setString(&c.Admin.Name, "RAISE_ADMIN_NAME")
}

func (c *Config) validate() error {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Port == "" {
		return fmt.Errorf("config: port must be set")
	}
	if c.SessionKey != "" {
		if _, err := c.SessionKeyBytes(); err != nil {
			return err
		}
	}
	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		return fmt.Errorf("config: admin email and password must be set together")
	}
	return nil
}

// SessionKeyBytes decodes SessionKey. It accepts 64+ hex digits, base64 of
// at least 32 bytes, or any raw string of at least 32 bytes. An empty key
// returns nil and no error.
func (c *Config) SessionKeyBytes() ([]byte, error) {
	key := strings.TrimSpace(c.SessionKey)
	if key == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(key); err == nil && len(b) >= 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) >= 32 {
		return b, nil
	}
	if len(key) >= 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("config: session key must be at least 32 bytes")
}

// BackupEnabled reports whether object storage is configured.
func (c *Config) BackupEnabled() bool {
	return c.Backup.Bucket != "" && c.Backup.AccessKey != "" && c.Backup.SecretKey != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
