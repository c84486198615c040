package config

// ServerConfig holds configuration for the admin server.
type ServerConfig struct {
	Addr       string // Listen address (default ":8090")
	LogLevel   string // Log level: debug, info, warn, error
	LogFormat  string // Log format: text, json
	DBPath     string // SQLite history path ("" disables history, ":memory:" for testing)
	ConfigPath string // Scheduler config file, watched for changes when set
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8090",
		LogLevel:  "info",
		LogFormat: "text",
	}
}
