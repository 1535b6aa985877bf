// ABOUTME: Tool server configuration loaded from the mcpServers JSON file.
// ABOUTME: Expands allowed-tool names and computes a structural signature.

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/chatagent/relay/internal/engine"
)

// ServerConfig describes one tool server entry from the config file.
type ServerConfig struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// AllowedTools limits which of the server's tools the agent may call.
	// Empty means all tools.
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// Config is the parsed tool server configuration.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// Load reads the config file. A missing file yields an empty configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{Servers: map[string]ServerConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tool config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing tool config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]ServerConfig{}
	}

	for name, sc := range cfg.Servers {
		if sc.Type == "" {
			if sc.URL != "" {
				sc.Type = "http"
			} else {
				sc.Type = "stdio"
			}
			cfg.Servers[name] = sc
		}
	}
	return &cfg, nil
}

// ToolServers converts the config into engine tool server entries, sorted by
// name for deterministic command lines.
func (c *Config) ToolServers() []engine.ToolServer {
	names := c.sortedNames()
	servers := make([]engine.ToolServer, 0, len(names))
	for _, name := range names {
		sc := c.Servers[name]
		servers = append(servers, engine.ToolServer{
			Name:    name,
			Type:    sc.Type,
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			URL:     sc.URL,
			Headers: sc.Headers,
		})
	}
	return servers
}

// AllowedTools expands per-server allowed tools into the engine's tool naming
// scheme: mcp__<server>__<tool> per named tool, or mcp__<server> when the
// server allows everything.
func (c *Config) AllowedTools() []string {
	var tools []string
	for _, name := range c.sortedNames() {
		sc := c.Servers[name]
		if len(sc.AllowedTools) == 0 {
			tools = append(tools, "mcp__"+name)
			continue
		}
		for _, t := range sc.AllowedTools {
			tools = append(tools, "mcp__"+name+"__"+t)
		}
	}
	return tools
}

// Signature returns a string identifying the structural parts of the config:
// which servers exist and how they are launched. Allowed-tool lists are
// excluded; changing only those never requires an engine rebuild.
func (c *Config) Signature() string {
	var b strings.Builder
	for _, name := range c.sortedNames() {
		sc := c.Servers[name]
		fmt.Fprintf(&b, "%s|%s|%s|%s|%s", name, sc.Type, sc.Command, strings.Join(sc.Args, " "), sc.URL)
		for _, k := range sortedKeys(sc.Env) {
			fmt.Fprintf(&b, "|env:%s=%s", k, sc.Env[k])
		}
		for _, k := range sortedKeys(sc.Headers) {
			fmt.Fprintf(&b, "|hdr:%s=%s", k, sc.Headers[k])
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (c *Config) sortedNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
