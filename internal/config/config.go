package config

import "time"

// ServerConfig is the root configuration for an agentd instance.
type ServerConfig struct {
	Listen  ListenConfig  `yaml:"listen"`
	CORS    CORSConfig    `yaml:"cors"`
	Agent   AgentConfig   `yaml:"agent"`
	History HistoryConfig `yaml:"history"`
}

// ListenConfig holds the HTTP/WebSocket bind address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CORSConfig holds the browser origin allow-list.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AgentConfig holds settings for the task agent.
type AgentConfig struct {
	// ChunkDelay paces streamed fragments for analytical tasks.
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// HistoryConfig holds the optional transcript store settings. When disabled
// the daemon runs without a database.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a PostgreSQL connection.
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

// ClientConfig is the root configuration for an agentchat instance.
type ClientConfig struct {
	// URL is the backend WebSocket endpoint without the client ID path
	// segment (e.g. ws://localhost:8000/ws).
	URL string `yaml:"url"`

	// ClientID identifies this client's connection slot on the backend.
	// Empty means generate a fresh one per run.
	ClientID string `yaml:"client_id"`

	// HeartbeatInterval is the keepalive probe period while connected.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxReconnectAttempts bounds automatic reconnection after an
	// abnormal close.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBaseDelay doubles per attempt up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	// TaskTimeout bounds how long the client waits for a task to finish.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}
