// Package config loads the gateway configuration from ~/.surveylink and
// keeps it fresh while the process runs.
package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

type Config struct {
	GatewayID string `json:"gateway_id"`

	// Backend connectivity.
	BrokerURL  string `json:"broker_url"`
	STUNServer string `json:"stun_server"`

	// Local state.
	DatabasePath string `json:"database_path"`

	// Device discovery.
	DeviceNamePrefix string `json:"device_name_prefix"`
	ScanWindowSecs   int    `json:"scan_window_secs"`

	LogLevel string `json:"log_level"`
}

var DefaultConfig = Config{
	BrokerURL:        "tcp://localhost:1883",
	STUNServer:       "stun.l.google.com:19302",
	DeviceNamePrefix: "SURV-",
	ScanWindowSecs:   10,
	LogLevel:         "info",
}

func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".surveylink")
	return configDir, os.MkdirAll(configDir, 0755)
}

func configPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadConfig reads the config file, creating one with defaults (and a fresh
// gateway id) on first run. SURVEYLINK_* environment variables override file
// values either way.
func LoadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		cfg := DefaultConfig
		return &cfg, err
	}

	var cfg *Config
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		var err error
		cfg, err = createDefaultConfig(path)
		if err != nil {
			return cfg, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			c := DefaultConfig
			return &c, err
		}
		c := DefaultConfig
		if err := json.Unmarshal(data, &c); err != nil {
			d := DefaultConfig
			return &d, err
		}
		cfg = &c
	}

	applyEnvOverrides(cfg)
	if cfg.DatabasePath == "" {
		dir, _ := GetConfigDir()
		cfg.DatabasePath = filepath.Join(dir, "surveylink.db")
	}
	return cfg, nil
}

func createDefaultConfig(path string) (*Config, error) {
	cfg := DefaultConfig
	cfg.GatewayID = generateGatewayID()

	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &cfg, err
	}
	return &cfg, nil
}

func generateGatewayID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "gateway"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SURVEYLINK_GATEWAY_ID"); v != "" {
		cfg.GatewayID = v
	}
	if v := os.Getenv("SURVEYLINK_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("SURVEYLINK_STUN_SERVER"); v != "" {
		cfg.STUNServer = v
	}
	if v := os.Getenv("SURVEYLINK_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SURVEYLINK_DEVICE_PREFIX"); v != "" {
		cfg.DeviceNamePrefix = v
	}
	if v := os.Getenv("SURVEYLINK_SCAN_WINDOW_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ScanWindowSecs = secs
		}
	}
	if v := os.Getenv("SURVEYLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// ScanWindow returns the scan window as a duration.
func (c *Config) ScanWindow() time.Duration {
	return time.Duration(c.ScanWindowSecs) * time.Second
}

// Watch reloads the config file when it changes on disk and hands each good
// reload to onChange. Editors replace rather than rewrite files, so the
// watcher follows the directory and re-checks the file name. Runs until ctx
// is cancelled.
func Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Editors fire several events per save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := LoadConfig()
					if err != nil {
						logger.Warn("config reload failed", "path", path, "error", err)
						return
					}
					logger.Info("config reloaded", "path", path)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
