// Package config loads relay settings from a YAML file and the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration
type Config struct {
	Node string `yaml:"node"`

	Peer struct {
		Listen         string            `yaml:"listen"`
		ForwardTimeout time.Duration     `yaml:"forward_timeout"`
		Peers          map[string]string `yaml:"peers"`
	} `yaml:"peer"`

	HTTP struct {
		Listen        string        `yaml:"listen"`
		Path          string        `yaml:"path"`
		WebSocketPath string        `yaml:"websocket_path"`
		DropMalformed bool          `yaml:"drop_malformed"`
		PingPeriod    time.Duration `yaml:"ping_period"`
	} `yaml:"http"`

	Observability struct {
		Listen string `yaml:"listen"`
	} `yaml:"observability"`

	Policy struct {
		AsyncForward       bool `yaml:"async_forward"`
		AckBeforeAppend    bool `yaml:"ack_before_append"`
		EchoWebSocketSends bool `yaml:"echo_websocket_sends"`
		EchoHTTPSends      bool `yaml:"echo_http_sends"`
	} `yaml:"policy"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	QueueSize int `yaml:"queue_size"`
}

// Default returns a config with every optional field set
func Default() *Config {
	c := &Config{}
	c.Peer.Listen = ":7000"
	c.Peer.ForwardTimeout = 5 * time.Second
	c.Peer.Peers = map[string]string{}
	c.HTTP.Listen = ":8080"
	c.HTTP.Path = "/chat"
	c.HTTP.WebSocketPath = "/chat/ws"
	c.HTTP.DropMalformed = true
	c.HTTP.PingPeriod = 10 * time.Second
	c.Observability.Listen = ":9090"
	c.Policy.AsyncForward = true
	c.Policy.AckBeforeAppend = true
	c.Policy.EchoWebSocketSends = true
	c.Policy.EchoHTTPSends = false
	c.Log.Level = "info"
	c.QueueSize = 64
	return c
}

// Load reads path (optional) on top of the defaults and applies environment
// overrides. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("CHATRELAY_NODE"); v != "" {
		c.Node = v
	}
	if v := getenv("CHATRELAY_PEER_LISTEN"); v != "" {
		c.Peer.Listen = v
	}
	if v := getenv("CHATRELAY_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv("CHATRELAY_FORWARD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHATRELAY_FORWARD_TIMEOUT: %w", err)
		}
		c.Peer.ForwardTimeout = d
	}
	if v := getenv("CHATRELAY_ASYNC_FORWARD"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHATRELAY_ASYNC_FORWARD: %w", err)
		}
		c.Policy.AsyncForward = b
	}
	// CHATRELAY_PEERS=bob=host:7001,carol=host:7002
	if v := getenv("CHATRELAY_PEERS"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			node, addr, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok || node == "" || addr == "" {
				return fmt.Errorf("invalid CHATRELAY_PEERS entry %q", entry)
			}
			if c.Peer.Peers == nil {
				c.Peer.Peers = map[string]string{}
			}
			c.Peer.Peers[node] = addr
		}
	}
	return nil
}

// Validate checks the config for values the relay cannot run with
func (c *Config) Validate() error {
	if c.Node == "" {
		return errors.New("config: node is required")
	}
	if c.Peer.ForwardTimeout <= 0 {
		return fmt.Errorf("config: peer.forward_timeout must be positive, got %s", c.Peer.ForwardTimeout)
	}
	if _, ok := c.Peer.Peers[c.Node]; ok {
		return fmt.Errorf("config: peer table must not contain the local node %q", c.Node)
	}
	if c.HTTP.Path == "" || c.HTTP.WebSocketPath == "" {
		return errors.New("config: http paths must not be empty")
	}
	if c.HTTP.Path == c.HTTP.WebSocketPath {
		return errors.New("config: http.path and http.websocket_path must differ")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
