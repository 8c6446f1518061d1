package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, ":7000", c.Peer.Listen)
	assert.Equal(t, 5*time.Second, c.Peer.ForwardTimeout)
	assert.Equal(t, "/chat", c.HTTP.Path)
	assert.Equal(t, "/chat/ws", c.HTTP.WebSocketPath)
	assert.True(t, c.HTTP.DropMalformed)
	assert.True(t, c.Policy.AsyncForward)
	assert.True(t, c.Policy.AckBeforeAppend)
	assert.True(t, c.Policy.EchoWebSocketSends)
	assert.False(t, c.Policy.EchoHTTPSends)
	assert.Equal(t, 64, c.QueueSize)

	// node has no default
	assert.Error(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node: alice
peer:
  listen: ":7100"
  forward_timeout: 2s
  peers:
    bob: "10.0.0.2:7000"
    carol: "10.0.0.3:7000"
http:
  listen: "127.0.0.1:8081"
  drop_malformed: false
policy:
  async_forward: false
log:
  level: debug
`)

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "alice", c.Node)
	assert.Equal(t, ":7100", c.Peer.Listen)
	assert.Equal(t, 2*time.Second, c.Peer.ForwardTimeout)
	assert.Equal(t, map[string]string{"bob": "10.0.0.2:7000", "carol": "10.0.0.3:7000"}, c.Peer.Peers)
	assert.Equal(t, "127.0.0.1:8081", c.HTTP.Listen)
	assert.False(t, c.HTTP.DropMalformed)
	assert.False(t, c.Policy.AsyncForward)
	assert.Equal(t, "debug", c.Log.Level)

	// untouched fields keep their defaults
	assert.Equal(t, "/chat", c.HTTP.Path)
	assert.True(t, c.Policy.EchoWebSocketSends)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "node: [alice"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_NODE", "bob")
	t.Setenv("CHATRELAY_FORWARD_TIMEOUT", "750ms")
	t.Setenv("CHATRELAY_PEERS", "alice=127.0.0.1:7001, carol=127.0.0.1:7003")
	t.Setenv("CHATRELAY_LOG_LEVEL", " WARN ")

	c, err := Load(writeConfig(t, "node: alice\n"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "bob", c.Node)
	assert.Equal(t, 750*time.Millisecond, c.Peer.ForwardTimeout)
	assert.Equal(t, "127.0.0.1:7001", c.Peer.Peers["alice"])
	assert.Equal(t, "127.0.0.1:7003", c.Peer.Peers["carol"])
	assert.Equal(t, "warn", c.Log.Level)
}

func TestEnvOverrideErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad timeout", map[string]string{"CHATRELAY_FORWARD_TIMEOUT": "soon"}},
		{"bad bool", map[string]string{"CHATRELAY_ASYNC_FORWARD": "maybe"}},
		{"bad peer entry", map[string]string{"CHATRELAY_PEERS": "bob"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			err := c.applyEnv(func(k string) string { return tt.env[k] })
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"empty node", func(c *Config) { c.Node = "" }, false},
		{"zero timeout", func(c *Config) { c.Peer.ForwardTimeout = 0 }, false},
		{"self in peer table", func(c *Config) { c.Peer.Peers["alice"] = "127.0.0.1:7000" }, false},
		{"same paths", func(c *Config) { c.HTTP.WebSocketPath = c.HTTP.Path }, false},
		{"empty path", func(c *Config) { c.HTTP.Path = "" }, false},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, false},
		{"unknown level", func(c *Config) { c.Log.Level = "verbose" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Node = "alice"
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
