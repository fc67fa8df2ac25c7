// Package config loads daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DefaultServerAddr   = "server.seeknet.org:2242"
	DefaultListenPort   = 2234
	DefaultSocketPath   = "/tmp/seeknet.sock"
	DefaultDownloadsDir = "downloads"
	DefaultDatabasePath = "seeknet.sqlite3"
	DefaultSearchWindow = 10 * time.Second
)

// ErrMissingCredentials marks a fatal configuration error: the network
// identity or its secret is absent from the environment.
var ErrMissingCredentials = errors.New("missing credentials")

type Config struct {
	Username     string
	Password     string
	ServerAddr   string
	ListenPort   int
	SocketPath   string
	DownloadsDir string
	DatabasePath string
	SearchWindow time.Duration
	LogLevel     string
}

// Load reads the environment once and validates it. Credentials have no
// default: a missing SEEKNET_USERNAME or SEEKNET_PASSWORD is an error so
// the caller can fail before touching the network.
func Load() (*Config, error) {
	cfg := &Config{
		Username:     os.Getenv("SEEKNET_USERNAME"),
		Password:     os.Getenv("SEEKNET_PASSWORD"),
		ServerAddr:   envOr("SEEKNET_SERVER", DefaultServerAddr),
		ListenPort:   DefaultListenPort,
		SocketPath:   envOr("SEEKNET_SOCKET", DefaultSocketPath),
		DownloadsDir: envOr("SEEKNET_DOWNLOADS", DefaultDownloadsDir),
		DatabasePath: envOr("SEEKNET_DB", DefaultDatabasePath),
		SearchWindow: DefaultSearchWindow,
		LogLevel:     envOr("SEEKNET_LOG_LEVEL", "info"),
	}

	if cfg.Username == "" {
		return nil, fmt.Errorf("%w: SEEKNET_USERNAME is not set", ErrMissingCredentials)
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: SEEKNET_PASSWORD is not set", ErrMissingCredentials)
	}

	if v := os.Getenv("SEEKNET_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid SEEKNET_LISTEN_PORT %q", v)
		}
		cfg.ListenPort = port
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
