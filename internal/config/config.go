package config

import "time"

// Config is the root configuration for a streamwatch instance.
type Config struct {
	Venue    VenueConfig    `yaml:"venue"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DBConfig       `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Channels []ChannelEntry `yaml:"channels"`
}

// VenueConfig holds the venue endpoint and credentials.
type VenueConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	PrivateKeyPath string `yaml:"private_key_path"` // RSA private key PEM file
}

// StreamConfig holds connection lifecycle and queue settings.
type StreamConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QueueCapacity        int           `yaml:"queue_capacity"`
}

// DBConfig holds the time-series database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds batch recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ChannelEntry names one subscription to establish at startup.
type ChannelEntry struct {
	Channel string `yaml:"channel"`
	Symbol  string `yaml:"symbol"`
	Side    string `yaml:"side"`
	Private bool   `yaml:"private"`
}
