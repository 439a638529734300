// Package store owns the durable event history in PostgreSQL: agent
// identities, traffic events, time-windowed aggregation, and the atomic
// full reset.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/MaayanCohen0/Traffix/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id         BIGSERIAL PRIMARY KEY,
	agent_id   TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	last_seen  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS traffic_events (
	id             BIGSERIAL PRIMARY KEY,
	agent_id       BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	timestamp      TIMESTAMPTZ NOT NULL,
	direction      TEXT NOT NULL,
	src_ip         TEXT NOT NULL DEFAULT '',
	src_port       INTEGER NOT NULL DEFAULT 0,
	dst_ip         TEXT NOT NULL DEFAULT '',
	dst_port       INTEGER NOT NULL DEFAULT 0,
	protocol       TEXT NOT NULL DEFAULT '',
	size_bytes     BIGINT NOT NULL DEFAULT 0,
	software_name  TEXT NOT NULL DEFAULT '',
	pid            INTEGER NOT NULL DEFAULT 0,
	country        TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	target         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_traffic_events_timestamp ON traffic_events (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_traffic_events_agent ON traffic_events (agent_id);
CREATE INDEX IF NOT EXISTS idx_traffic_events_dst_ip ON traffic_events (dst_ip);
CREATE INDEX IF NOT EXISTS idx_traffic_events_country ON traffic_events (country);
CREATE INDEX IF NOT EXISTS idx_traffic_events_software ON traffic_events (software_name);
`

// Store is the PostgreSQL-backed durable store. Event and agent writes hold
// the read side of the reset gate; Reset takes the write side, so a reset
// drains in-flight writes and no write can interleave with the truncate.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// gate serializes Reset against the ingestion write path.
	gate sync.RWMutex
}

// Open connects to PostgreSQL and ensures the schema exists.
func Open(databaseURL string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("durable store ready")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable. Used as the degraded-mode
// signal for readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordEvent registers the sending agent and appends the event as one
// in-flight write: the reset gate's read side is held across both
// statements, so a concurrent Reset can never truncate the agent row
// between the upsert and the event insert. The agent's address and
// last-seen are refreshed on every event; the display name is set at
// creation time and left alone afterward.
func (s *Store) RecordEvent(ctx context.Context, name, address string, ev *model.TrafficEvent) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	agentRowID, err := s.upsertAgent(ctx, ev.AgentID, name, address, ev.Timestamp)
	if err != nil {
		return err
	}
	return s.insertEvent(ctx, agentRowID, ev)
}

func (s *Store) upsertAgent(ctx context.Context, agentID, name, address string, seenAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (agent_id, name, address, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id)
		DO UPDATE SET address = EXCLUDED.address, last_seen = EXCLUDED.last_seen
		RETURNING id`,
		agentID, name, address, seenAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert agent %s: %w", agentID, err)
	}
	return id, nil
}

func (s *Store) insertEvent(ctx context.Context, agentRowID int64, ev *model.TrafficEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traffic_events
			(agent_id, timestamp, direction, src_ip, src_port, dst_ip, dst_port,
			 protocol, size_bytes, software_name, pid, country, classification, target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		agentRowID, ev.Timestamp, ev.Direction, ev.SrcIP, ev.SrcPort, ev.DstIP, ev.DstPort,
		ev.Protocol, ev.Bytes, ev.Software, ev.PID, ev.Country, string(ev.Classification), ev.Target)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListAgents returns every known agent.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, address, last_seen FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Name, &a.Address, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Reset clears all traffic events and agents in one atomic statement while
// restarting identity sequences, so post-reset inserts get fresh ids and
// never violate uniqueness. It waits for in-flight writes to drain and
// blocks new ones for the duration. On failure the prior state is fully
// intact.
func (s *Store) Reset(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`TRUNCATE TABLE traffic_events, agents RESTART IDENTITY CASCADE`); err != nil {
		tx.Rollback()
		return fmt.Errorf("truncate history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	s.logger.Info("event history reset")
	return nil
}
