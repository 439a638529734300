// Package dynconfig holds the runtime-reloadable part of the Traffix
// configuration: the destination blacklist and the agent display-name
// mapping. The current state is an immutable snapshot swapped atomically on
// reload, so readers never observe a half-updated blacklist.
package dynconfig

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// BlacklistEntry is one blacklisted destination with the reason it was
// listed.
type BlacklistEntry struct {
	IP     string `yaml:"ip"`
	Reason string `yaml:"reason"`
}

// Snapshot is one immutable view of the dynamic configuration.
type Snapshot struct {
	ListenHost string
	ListenPort int
	AgentNames map[string]string

	blacklist map[string]BlacklistEntry
}

// Blacklisted reports whether ip is on the blacklist, returning the entry
// when it is.
func (s *Snapshot) Blacklisted(ip string) (BlacklistEntry, bool) {
	e, ok := s.blacklist[ip]
	return e, ok
}

// BlacklistSize returns the number of blacklisted destinations.
func (s *Snapshot) BlacklistSize() int { return len(s.blacklist) }

// AgentName returns the configured display name for an agent id, falling
// back to "Agent_<id>" when no mapping exists.
func (s *Snapshot) AgentName(agentID string) string {
	if name, ok := s.AgentNames[agentID]; ok && name != "" {
		return name
	}
	return "Agent_" + agentID
}

// document is the on-disk YAML shape.
type document struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Security struct {
		Blacklist []yaml.Node `yaml:"blacklist"`
	} `yaml:"security"`
	AgentNames map[string]string `yaml:"agent_names"`
}

// Manager loads the dynamic configuration file and serves the current
// snapshot to concurrent readers. A failed reload keeps the last-known-good
// snapshot.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// NewManager creates a manager for the given configuration file and loads
// the initial snapshot. A missing or malformed file is not fatal: the
// manager starts from an empty snapshot and reports the error.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger}
	m.current.Store(emptySnapshot())

	if err := m.Reload(); err != nil {
		return m, fmt.Errorf("initial config load: %w", err)
	}
	return m, nil
}

// Current returns the current snapshot. The returned value is immutable.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Reload re-reads the configuration file and atomically swaps the snapshot.
// On any parse or validation error the previous snapshot is retained and
// the error returned.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", m.path, err)
	}

	snap, err := parseSnapshot(data)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", m.path, err)
	}

	m.current.Store(snap)
	m.logger.Info("configuration reloaded",
		"path", m.path,
		"blacklist_entries", snap.BlacklistSize(),
		"agent_names", len(snap.AgentNames))
	return nil
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		ListenHost: "127.0.0.1",
		ListenPort: 2053,
		AgentNames: map[string]string{},
		blacklist:  map[string]BlacklistEntry{},
	}
}

func parseSnapshot(data []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	snap := emptySnapshot()
	if doc.Server.Host != "" {
		snap.ListenHost = doc.Server.Host
	}
	if doc.Server.Port != 0 {
		if doc.Server.Port < 1 || doc.Server.Port > 65535 {
			return nil, fmt.Errorf("server port out of range: %d", doc.Server.Port)
		}
		snap.ListenPort = doc.Server.Port
	}
	for id, name := range doc.AgentNames {
		snap.AgentNames[id] = name
	}

	// Blacklist entries may be bare address strings or {ip, reason} maps.
	for i, node := range doc.Security.Blacklist {
		var entry BlacklistEntry
		switch node.Kind {
		case yaml.ScalarNode:
			entry.IP = node.Value
		case yaml.MappingNode:
			if err := node.Decode(&entry); err != nil {
				return nil, fmt.Errorf("blacklist entry %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("blacklist entry %d: unsupported node kind", i)
		}
		if net.ParseIP(entry.IP) == nil {
			return nil, fmt.Errorf("blacklist entry %d: invalid IP %q", i, entry.IP)
		}
		snap.blacklist[entry.IP] = entry
	}

	return snap, nil
}
