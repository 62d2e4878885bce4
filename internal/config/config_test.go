package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
venue:
  url: wss://stream.example.com/v1
  api_key: test-key
stream:
  ping_interval: 15s
channels:
  - channel: orderbook
    symbol: BTC-USD
  - channel: positions
    private: true
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Venue.URL != "wss://stream.example.com/v1" {
		t.Errorf("Venue.URL = %q, want %q", cfg.Venue.URL, "wss://stream.example.com/v1")
	}
	if cfg.Stream.PingInterval != 15*time.Second {
		t.Errorf("Stream.PingInterval = %v, want 15s", cfg.Stream.PingInterval)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("len(Channels) = %d, want 2", len(cfg.Channels))
	}
	if cfg.Channels[0].Symbol != "BTC-USD" {
		t.Errorf("Channels[0].Symbol = %q, want %q", cfg.Channels[0].Symbol, "BTC-USD")
	}
	if !cfg.Channels[1].Private {
		t.Error("Channels[1].Private = false, want true")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
venue:
  url: wss://stream.example.com/v1
database:
  host: localhost
  name: test_db
  user: testuser
  password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
venue:
  url: wss://stream.example.com/v1
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Stream.PingInterval != DefaultPingInterval {
		t.Errorf("Stream.PingInterval = %v, want default %v", cfg.Stream.PingInterval, DefaultPingInterval)
	}
	if cfg.Stream.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("Stream.QueueCapacity = %d, want default %d", cfg.Stream.QueueCapacity, DefaultQueueCapacity)
	}
	if cfg.Database.Port != DefaultDBPort {
		t.Errorf("Database.Port = %d, want default %d", cfg.Database.Port, DefaultDBPort)
	}
	if cfg.Database.MaxConns != DefaultMaxConns {
		t.Errorf("Database.MaxConns = %d, want default %d", cfg.Database.MaxConns, DefaultMaxConns)
	}
	if cfg.Recorder.BatchSize != DefaultBatchSize {
		t.Errorf("Recorder.BatchSize = %d, want default %d", cfg.Recorder.BatchSize, DefaultBatchSize)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Venue: VenueConfig{URL: "wss://stream.example.com/v1", APIKey: "k"},
			Stream: StreamConfig{
				PingInterval:       30 * time.Second,
				PongTimeout:        10 * time.Second,
				ReconnectBaseDelay: time.Second,
				ReconnectMaxDelay:  time.Minute,
				QueueCapacity:      1000,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing venue url",
			mutate:  func(c *Config) { c.Venue.URL = "" },
			wantErr: "venue.url is required",
		},
		{
			name:    "pong timeout exceeds ping interval",
			mutate:  func(c *Config) { c.Stream.PongTimeout = time.Minute },
			wantErr: "stream.pong_timeout (1m0s) must be less than stream.ping_interval (30s)",
		},
		{
			name:    "base delay exceeds max delay",
			mutate:  func(c *Config) { c.Stream.ReconnectBaseDelay = 2 * time.Minute },
			wantErr: "stream.reconnect_base_delay (2m0s) cannot exceed reconnect_max_delay (1m0s)",
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Stream.QueueCapacity = 0 },
			wantErr: "stream.queue_capacity must be >= 1",
		},
		{
			name: "recorder enabled without database host",
			mutate: func(c *Config) {
				c.Recorder = RecorderConfig{Enabled: true, BatchSize: 100, FlushInterval: time.Second}
			},
			wantErr: "database.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Recorder = RecorderConfig{Enabled: true, BatchSize: 100, FlushInterval: time.Second}
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "channel without name",
			mutate:  func(c *Config) { c.Channels = []ChannelEntry{{Symbol: "BTC-USD"}} },
			wantErr: "channels[0].channel is required",
		},
		{
			name: "private channel without api key",
			mutate: func(c *Config) {
				c.Venue.APIKey = ""
				c.Channels = []ChannelEntry{{Channel: "positions", Private: true}}
			},
			wantErr: "channels[0] is private but venue.api_key is not set",
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
