package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Status   StatusConfig   `yaml:"status"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Printers []PrinterEntry `yaml:"printers"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PasswordHash string        `yaml:"password_hash"`
}

// PrinterEntry is one statically configured printer.
type PrinterEntry struct {
	IPAddress    string `yaml:"ip_address"`
	SerialNumber string `yaml:"serial_number"`
	AccessCode   string `yaml:"access_code"`
	Nickname     string `yaml:"nickname"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CloudConfig struct {
	BaseURL         string        `yaml:"base_url"`
	RecipientID     string        `yaml:"recipient_id"`
	Secret          string        `yaml:"secret"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReservationPath string        `yaml:"reservation_path"`
}

type StatusConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	StallHeartbeats   int           `yaml:"stall_heartbeats"`
	ProgressEpsilon   float64       `yaml:"progress_epsilon"`
	TempEpsilon       float64       `yaml:"temp_epsilon"`
}

type ProtocolConfig struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	AckPollInterval  time.Duration `yaml:"ack_poll_interval"`
	UploadChunkSize  int           `yaml:"upload_chunk_size"`
	ReactivateVerb   string        `yaml:"reactivate_verb"`
	TargetDirectory  string        `yaml:"target_directory"`
}

type MonitorConfig struct {
	DebounceCount int `yaml:"debounce_count"`
}

type TrackerConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/fleetd.db",
		},
		Cloud: CloudConfig{
			BaseURL:         "",
			RecipientID:     "",
			PollInterval:    15 * time.Second,
			RequestTimeout:  10 * time.Second,
			ReservationPath: defaultReservationPath(),
		},
		Status: StatusConfig{
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ReconnectDelay:    5 * time.Second,
			ConnectTimeout:    10 * time.Second,
			StallHeartbeats:   3,
			ProgressEpsilon:   0.5,
			TempEpsilon:       0.5,
		},
		Protocol: ProtocolConfig{
			AckTimeout:      30 * time.Second,
			AckPollInterval: 1 * time.Second,
			UploadChunkSize: 8192,
			ReactivateVerb:  "",
			TargetDirectory: "/cache",
		},
		Monitor: MonitorConfig{
			DebounceCount: 1,
		},
		Tracker: TrackerConfig{
			RetentionDays: 30,
			PruneInterval: 6 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultReservationPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./commands.json"
	}
	return filepath.Join(home, ".fleetd", "commands.json")
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("FLEETD_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("FLEETD_CLOUD_URL"); v != "" {
		c.Cloud.BaseURL = v
	}

	if v := os.Getenv("FLEETD_RECIPIENT_ID"); v != "" {
		c.Cloud.RecipientID = v
	}

	if v := os.Getenv("FLEETD_CLOUD_SECRET"); v != "" {
		c.Cloud.Secret = v
	}

	if v := os.Getenv("FLEETD_RESERVATION_PATH"); v != "" {
		c.Cloud.ReservationPath = v
	}

	if v := os.Getenv("CONTROL_POLL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.Cloud.PollInterval = time.Duration(sec) * time.Second
		}
	}

	if v := os.Getenv("FLEETD_API_PASSWORD_HASH"); v != "" {
		c.Server.PasswordHash = v
	}

	if v := os.Getenv("FLEETD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Cloud.PollInterval <= 0 {
		return fmt.Errorf("cloud poll interval must be positive")
	}

	if c.Cloud.RequestTimeout <= 0 {
		return fmt.Errorf("cloud request timeout must be positive")
	}

	if c.Cloud.ReservationPath == "" {
		return fmt.Errorf("reservation path is required")
	}

	if c.Status.PollInterval <= 0 {
		return fmt.Errorf("status poll interval must be positive")
	}

	if c.Status.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Status.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect delay must be non-negative")
	}

	if c.Status.StallHeartbeats < 1 {
		return fmt.Errorf("stall heartbeats must be at least 1")
	}

	if c.Status.ProgressEpsilon < 0 {
		return fmt.Errorf("progress epsilon must be non-negative")
	}

	if c.Protocol.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive")
	}

	if c.Protocol.UploadChunkSize < 1 {
		return fmt.Errorf("upload chunk size must be at least 1")
	}

	if c.Monitor.DebounceCount < 1 {
		return fmt.Errorf("debounce count must be at least 1")
	}

	if c.Tracker.RetentionDays < 0 {
		return fmt.Errorf("retention days must be non-negative")
	}

	for i, p := range c.Printers {
		if p.SerialNumber == "" {
			return fmt.Errorf("printer %d: serial number is required", i)
		}
		if p.IPAddress == "" {
			return fmt.Errorf("printer %s: ip address is required", p.SerialNumber)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}
