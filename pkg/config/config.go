package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts strings like "15s" or plain
// numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath    string `yaml:"db_path"`
		AttachDir string `yaml:"attach_dir"`
	} `yaml:"storage"`
	Remote struct {
		BaseURL string   `yaml:"base_url"`
		WSURL   string   `yaml:"ws_url"`
		APIKey  string   `yaml:"api_key"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"remote"`
	Session struct {
		UserID string `yaml:"user_id"`
	} `yaml:"session"`
	Sync struct {
		PageSize          int      `yaml:"page_size"`
		RenderCap         int      `yaml:"render_cap"`
		QueueCapacity     int      `yaml:"queue_capacity"`
		CorrelationWindow Duration `yaml:"correlation_window"`
		UnsendWindow      Duration `yaml:"unsend_window"`
	} `yaml:"sync"`
	Retention struct {
		Enabled      bool     `yaml:"enabled"`
		Cron         string   `yaml:"cron"`
		MaxFailedAge Duration `yaml:"max_failed_age"`
	} `yaml:"retention"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Addr returns host:port for the ops HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Default returns the built-in defaults applied before file and env.
func Default() *Config {
	var cfg Config
	cfg.Storage.DBPath = "./.database"
	cfg.Storage.AttachDir = "./.attachments"
	cfg.Remote.Timeout = Duration(15 * time.Second)
	cfg.Sync.PageSize = 25
	cfg.Sync.RenderCap = 50
	cfg.Sync.QueueCapacity = 4096
	cfg.Sync.CorrelationWindow = Duration(5 * time.Second)
	cfg.Sync.UnsendWindow = Duration(15 * time.Minute)
	cfg.Retention.Cron = "0 2 * * *"
	cfg.Retention.MaxFailedAge = Duration(7 * 24 * time.Hour)
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return &cfg
}

// Load reads defaults, then the YAML file (if present), then environment
// overrides. A `.env` file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATSYNC_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CHATSYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CHATSYNC_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CHATSYNC_ATTACH_DIR"); v != "" {
		cfg.Storage.AttachDir = v
	}
	if v := os.Getenv("CHATSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		cfg.Remote.WSURL = v
	}
	if v := os.Getenv("CHATSYNC_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.Session.UserID = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATSYNC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CHATSYNC_RETENTION_CRON"); v != "" {
		cfg.Retention.Cron = v
		cfg.Retention.Enabled = true
	}
}
