package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/codefionn/wsrelay/internal/admission"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WSRELAY_"

const appName = "wsrelay"

// Config represents application configuration
type Config struct {
	ListenAddr string `json:"listen_addr" env:"LISTEN_ADDR"`

	MaxConnections          int `json:"max_connections" env:"MAX_CONNECTIONS"`
	MinUsernameLength       int `json:"min_username_length" env:"MIN_USERNAME_LENGTH"`
	MaxUsernameLength       int `json:"max_username_length" env:"MAX_USERNAME_LENGTH"`
	PolicyMaxUsernameLength int `json:"policy_max_username_length" env:"POLICY_MAX_USERNAME_LENGTH"`

	// EchoSender makes relayed chat payloads go back to their sender as well.
	// Join and leave notices never go to the session they describe.
	EchoSender bool `json:"echo_sender" env:"ECHO_SENDER"`

	// RejectWithCloseFrame upgrades rejected attempts and closes them with the
	// rejection code instead of failing the handshake.
	RejectWithCloseFrame bool `json:"reject_with_close_frame" env:"REJECT_WITH_CLOSE_FRAME"`

	DocumentID             string `json:"document_id" env:"DOCUMENT_ID"`
	AutosaveURL            string `json:"autosave_url" env:"AUTOSAVE_URL"`
	AutosaveReason         string `json:"autosave_reason" env:"AUTOSAVE_REASON"`
	AutosaveTimeoutSeconds int    `json:"autosave_timeout_seconds" env:"AUTOSAVE_TIMEOUT_SECONDS"`

	SendBufferSize  int `json:"send_buffer_size" env:"SEND_BUFFER_SIZE"`
	MaxMessageBytes int `json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`

	LogLevel  string `json:"log_level" env:"LOG_LEVEL"` // debug, info, warn, error, none
	LogPath   string `json:"log_path" env:"LOG_PATH"`   // "-" for stderr
	PIDPath   string `json:"pid_path,omitempty" env:"PID_PATH"`
	PprofAddr string `json:"pprof_addr,omitempty" env:"PPROF_ADDR"`
}

func defaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
	}
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, appName)
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", appName)
}

// GetConfigPath returns the default config file location.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	limits := admission.DefaultLimits()
	return &Config{
		ListenAddr:              ":3001",
		MaxConnections:          limits.MaxConnections,
		MinUsernameLength:       limits.MinUsername,
		MaxUsernameLength:       limits.MaxUsername,
		PolicyMaxUsernameLength: limits.PolicyMaxUsername,
		EchoSender:              false,
		RejectWithCloseFrame:    false,
		DocumentID:              "docId1234",
		AutosaveURL:             "http://localhost:3002/api/autosave",
		AutosaveReason:          "autosave requested",
		AutosaveTimeoutSeconds:  10,
		SendBufferSize:          256,
		MaxMessageBytes:         64 * 1024,
		LogLevel:                "info",
		LogPath:                 "-",
	}
}

// LoadDotenv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the config file at path on top of the defaults and then applies
// WSRELAY_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return load(path, environ)
}

func load(path string, environ map[string]string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Limits returns the admission gate limits described by c.
func (c *Config) Limits() admission.Limits {
	return admission.Limits{
		MaxConnections:    c.MaxConnections,
		MinUsername:       c.MinUsernameLength,
		MaxUsername:       c.MaxUsernameLength,
		PolicyMaxUsername: c.PolicyMaxUsernameLength,
	}
}

// AutosaveTimeout returns the autosave request timeout.
func (c *Config) AutosaveTimeout() time.Duration {
	return time.Duration(c.AutosaveTimeoutSeconds) * time.Second
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr must not be empty")
	}
	if err := c.Limits().Validate(); err != nil {
		return err
	}

	u, err := url.Parse(c.AutosaveURL)
	if err != nil {
		return fmt.Errorf("autosave_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("autosave_url must be an absolute http(s) url, got %q", c.AutosaveURL)
	}

	if c.AutosaveTimeoutSeconds <= 0 {
		return fmt.Errorf("autosave_timeout_seconds must be positive, got %d", c.AutosaveTimeoutSeconds)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send_buffer_size must be positive, got %d", c.SendBufferSize)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if strings.TrimSpace(c.DocumentID) == "" {
		return errors.New("document_id must not be empty")
	}
	return nil
}

// Save writes c to path as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
