// ABOUTME: Tests for tool server configuration loading and signatures.
// ABOUTME: Covers allowed-tool expansion and structural change detection.

package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToolConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileYieldsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)
}

func TestLoadParsesServers(t *testing.T) {
	path := writeToolConfig(t, `{
		"mcpServers": {
			"files": {"command": "file-server", "args": ["--root", "/data"]},
			"search": {"url": "http://localhost:9000/mcp", "headers": {"X-Key": "abc"}}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	// Type defaults from shape: command -> stdio, url -> http.
	assert.Equal(t, "stdio", cfg.Servers["files"].Type)
	assert.Equal(t, "http", cfg.Servers["search"].Type)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := writeToolConfig(t, `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestToolServersSortedByName(t *testing.T) {
	cfg := &Config{Servers: map[string]ServerConfig{
		"zeta":  {Type: "stdio", Command: "z"},
		"alpha": {Type: "stdio", Command: "a"},
	}}

	servers := cfg.ToolServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "alpha", servers[0].Name)
	assert.Equal(t, "zeta", servers[1].Name)
}

func TestAllowedToolsExpansion(t *testing.T) {
	cfg := &Config{Servers: map[string]ServerConfig{
		"files":  {Type: "stdio", Command: "f", AllowedTools: []string{"read", "write"}},
		"search": {Type: "http", URL: "http://x"},
	}}

	assert.Equal(t, []string{
		"mcp__files__read",
		"mcp__files__write",
		"mcp__search",
	}, cfg.AllowedTools())
}

func TestSignatureIgnoresAllowedTools(t *testing.T) {
	base := &Config{Servers: map[string]ServerConfig{
		"files": {Type: "stdio", Command: "f", AllowedTools: []string{"read"}},
	}}
	permissionOnly := &Config{Servers: map[string]ServerConfig{
		"files": {Type: "stdio", Command: "f", AllowedTools: []string{"read", "write"}},
	}}
	structural := &Config{Servers: map[string]ServerConfig{
		"files": {Type: "stdio", Command: "f", Args: []string{"--verbose"}},
	}}

	assert.Equal(t, base.Signature(), permissionOnly.Signature())
	assert.NotEqual(t, base.Signature(), structural.Signature())
}

func TestSignatureCoversEnv(t *testing.T) {
	a := &Config{Servers: map[string]ServerConfig{
		"s": {Type: "stdio", Command: "c", Env: map[string]string{"KEY": "1"}},
	}}
	b := &Config{Servers: map[string]ServerConfig{
		"s": {Type: "stdio", Command: "c", Env: map[string]string{"KEY": "2"}},
	}}
	assert.NotEqual(t, a.Signature(), b.Signature())
}

func TestManagerReloadNotifiesObservers(t *testing.T) {
	path := writeToolConfig(t, `{"mcpServers": {}}`)

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	assert.Empty(t, m.Current().Servers)

	obs := &recordingObserver{}
	m.Register(obs)

	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServers": {"files": {"command": "file-server"}}
	}`), 0644))
	require.NoError(t, m.Reload())

	require.Len(t, obs.configs, 1)
	assert.Len(t, obs.configs[0].Servers, 1)
	assert.Len(t, m.Current().Servers, 1)

	m.Deregister(obs)
	require.NoError(t, m.Reload())
	assert.Len(t, obs.configs, 1, "deregistered observer must not be notified")
}

func TestManagerReloadKeepsConfigOnError(t *testing.T) {
	path := writeToolConfig(t, `{"mcpServers": {"files": {"command": "f"}}}`)

	m, err := NewManager(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0644))
	assert.Error(t, m.Reload())
	assert.Len(t, m.Current().Servers, 1)
}

type recordingObserver struct {
	configs []*Config
}

func (o *recordingObserver) ToolConfigChanged(cfg *Config) {
	o.configs = append(o.configs, cfg)
}
