package store

import (
	"context"
	"fmt"
	"time"
)

// Dimension selects what an aggregation query groups by.
type Dimension string

const (
	DimCountries Dimension = "countries"
	DimSoftwares Dimension = "softwares"
	DimIPs       Dimension = "ips"
	DimBandwidth Dimension = "bandwidth"
)

// AllDimensions lists every supported dimension in response order.
var AllDimensions = []Dimension{DimCountries, DimSoftwares, DimIPs, DimBandwidth}

// StatPoint is one (label, value) aggregation result.
type StatPoint struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}

// TimeframeAll selects the entire history.
const TimeframeAll = "all"

var timeframes = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
}

// ParseTimeframe maps a timeframe token to its lookback duration. The
// token "all" returns zero, meaning no lower bound.
func ParseTimeframe(token string) (time.Duration, error) {
	if token == "" || token == TimeframeAll {
		return 0, nil
	}
	d, ok := timeframes[token]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", token)
	}
	return d, nil
}

// ParseDimension validates a dimension token.
func ParseDimension(token string) (Dimension, error) {
	switch Dimension(token) {
	case DimCountries, DimSoftwares, DimIPs, DimBandwidth:
		return Dimension(token), nil
	}
	return "", fmt.Errorf("unknown dimension %q", token)
}

const bytesPerMegabyte = 1024 * 1024

// dimensionQuery maps each dimension to its grouping column, value
// expression, and result cap. Results are ordered value-descending with
// label as the tie breaker, so repeated queries are deterministic.
var dimensionQuery = map[Dimension]struct {
	label string
	value string
	limit int
}{
	DimCountries: {label: "country", value: "COUNT(*)", limit: 0},
	DimSoftwares: {label: "software_name", value: "COUNT(*)", limit: 0},
	DimIPs:       {label: "dst_ip", value: "COUNT(*)", limit: 10},
	// SUM(bigint) is numeric in Postgres, so the division must be floored
	// and cast back for the scan into int64.
	DimBandwidth: {label: "software_name", value: fmt.Sprintf("FLOOR(SUM(size_bytes) / %d)::BIGINT", bytesPerMegabyte), limit: 5},
}

// Aggregate runs one grouped query over events whose timestamp falls in
// [now - timeframe, now]; a zero timeframe spans the whole history.
// agentRowID filters to one agent when positive. The bandwidth dimension
// returns whole megabytes. An empty result is not an error.
func (s *Store) Aggregate(ctx context.Context, dim Dimension, timeframe time.Duration, agentRowID int64, now time.Time) ([]StatPoint, error) {
	q, ok := dimensionQuery[dim]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}

	query := fmt.Sprintf(`SELECT %s AS label, %s AS value FROM traffic_events`, q.label, q.value)
	var (
		where []string
		args  []any
	)
	if timeframe > 0 {
		args = append(args, now.Add(-timeframe))
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if agentRowID > 0 {
		args = append(args, agentRowID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += fmt.Sprintf(" GROUP BY %s ORDER BY value DESC, label ASC", q.label)
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", dim, err)
	}
	defer rows.Close()

	points := []StatPoint{}
	for rows.Next() {
		var p StatPoint
		if err := rows.Scan(&p.Label, &p.Value); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", dim, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
