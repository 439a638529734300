// Package attribute maps local socket endpoints to the owning process.
// Resolution is best effort: the socket may be gone by the time a flow is
// observed, which degrades to the "Unknown" label and is never an error.
package attribute

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// UnknownSoftware is the label used when no owning process can be found.
const UnknownSoftware = "Unknown"

// Attribution is the result of a lookup.
type Attribution struct {
	Software string
	PID      int32
}

// connectionLister returns the host's current socket table. Swappable for
// tests.
type connectionLister func() ([]gnet.ConnectionStat, error)

// processNamer returns the executable name for a pid. Swappable for tests.
type processNamer func(pid int32) (string, error)

// Resolver resolves socket endpoints to process attributions with an LRU
// cache keyed by "ip:port". Negative results are cached too, so repeated
// flows from a vanished socket do not rescan the socket table.
type Resolver struct {
	cache  *lru.Cache[string, Attribution]
	list   connectionLister
	name   processNamer
	logger *slog.Logger
}

// NewResolver creates a resolver with the given cache capacity.
func NewResolver(cacheSize int, logger *slog.Logger) (*Resolver, error) {
	cache, err := lru.New[string, Attribution](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("attribution cache: %w", err)
	}
	return &Resolver{
		cache: cache,
		list: func() ([]gnet.ConnectionStat, error) {
			return gnet.Connections("inet")
		},
		name: func(pid int32) (string, error) {
			p, err := process.NewProcess(pid)
			if err != nil {
				return "", err
			}
			return p.Name()
		},
		logger: logger,
	}, nil
}

// Resolve returns the software name and pid owning the socket at ip:port,
// matching either the local or the remote side of an open connection. A
// miss returns the Unknown attribution, never an error.
func (r *Resolver) Resolve(ip string, port int) Attribution {
	key := fmt.Sprintf("%s:%d", ip, port)
	if attr, ok := r.cache.Get(key); ok {
		return attr
	}

	attr := r.lookup(ip, uint32(port))
	r.cache.Add(key, attr)
	return attr
}

func (r *Resolver) lookup(ip string, port uint32) Attribution {
	conns, err := r.list()
	if err != nil {
		r.logger.Debug("socket table scan failed", "error", err)
		return Attribution{Software: UnknownSoftware}
	}

	for _, conn := range conns {
		matchLocal := conn.Laddr.IP == ip && conn.Laddr.Port == port
		matchRemote := conn.Raddr.IP == ip && conn.Raddr.Port == port
		if (!matchLocal && !matchRemote) || conn.Pid == 0 {
			continue
		}

		name, err := r.name(conn.Pid)
		if err != nil {
			// Process exited between the table scan and the name read.
			r.logger.Debug("process name lookup failed", "pid", conn.Pid, "error", err)
			continue
		}
		return Attribution{Software: name, PID: conn.Pid}
	}

	return Attribution{Software: UnknownSoftware}
}
