package httpserver

import "time"

// Config holds the HTTP front-end's own settings; it does not duplicate the
// engine's Config (data_dir, memtable sizing, sync policy, ...), which the
// caller constructs and initializes separately and hands to New.
type Config struct {
	Host string
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxRequestSize int64

	EnableCORS     bool
	AllowedOrigins []string

	// EnableTail exposes a read-only WebSocket feed of committed WAL
	// records at GET /tail.
	EnableTail bool
}

// DefaultConfig returns sensible defaults matching the wider stack's
// conventions (30s read/write timeouts, CORS open, tail enabled).
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 10 << 20,
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
		EnableTail:     true,
	}
}
