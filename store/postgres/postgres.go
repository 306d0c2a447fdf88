// Package postgres implements aworld.TrajectoryStore on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	aworld "github.com/nevindra/aworld"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store persists task terminators in PostgreSQL. Usage and trajectory are
// stored as JSONB.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ aworld.TrajectoryStore = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New connects a pool to dsn.
func New(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("postgres: store opened")
	return s, nil
}

// Init creates the trajectories table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS trajectories (
		task_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		msg TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		usage JSONB,
		trajectory JSONB,
		time_cost_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_trajectories_group ON trajectories(group_id)`)
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// SaveTrajectory upserts the terminator for a task.
func (s *Store) SaveTrajectory(ctx context.Context, groupID string, resp aworld.TaskResponse) error {
	start := time.Now()
	s.logger.Debug("postgres: save trajectory", "task_id", resp.ID, "group_id", groupID, "success", resp.Success)

	var usageJSON, trajJSON []byte
	if len(resp.Usage) > 0 {
		usageJSON, _ = json.Marshal(resp.Usage)
	}
	if len(resp.Trajectory) > 0 {
		trajJSON, _ = json.Marshal(resp.Trajectory)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO trajectories (task_id, group_id, success, msg, answer, usage, trajectory, time_cost_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (task_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			success = EXCLUDED.success,
			msg = EXCLUDED.msg,
			answer = EXCLUDED.answer,
			usage = EXCLUDED.usage,
			trajectory = EXCLUDED.trajectory,
			time_cost_ms = EXCLUDED.time_cost_ms`,
		resp.ID, groupID, resp.Success, resp.Msg, resp.Answer, usageJSON, trajJSON, resp.TimeCostMS,
	)
	if err != nil {
		s.logger.Error("postgres: save trajectory failed", "task_id", resp.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save trajectory: %w", err)
	}
	s.logger.Debug("postgres: save trajectory ok", "task_id", resp.ID, "duration", time.Since(start))
	return nil
}

// GetTrajectory returns the stored terminator for a task.
func (s *Store) GetTrajectory(ctx context.Context, taskID string) (aworld.TaskResponse, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT task_id, success, msg, answer, usage, trajectory, time_cost_ms
		 FROM trajectories WHERE task_id = $1`, taskID)
	resp, err := scanResponse(row)
	if err != nil {
		s.logger.Error("postgres: get trajectory failed", "task_id", taskID, "error", err)
		return aworld.TaskResponse{}, fmt.Errorf("get trajectory: %w", err)
	}
	return resp, nil
}

// ListGroup returns all terminators saved under one group, oldest first.
func (s *Store) ListGroup(ctx context.Context, groupID string) ([]aworld.TaskResponse, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, success, msg, answer, usage, trajectory, time_cost_ms
		 FROM trajectories WHERE group_id = $1 ORDER BY created_at, task_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group: %w", err)
	}
	defer rows.Close()

	var resps []aworld.TaskResponse
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trajectory: %w", err)
		}
		resps = append(resps, resp)
	}
	s.logger.Debug("postgres: list group ok", "group_id", groupID, "count", len(resps), "duration", time.Since(start))
	return resps, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() {
	s.logger.Debug("postgres: closing store")
	s.pool.Close()
}

func scanResponse(row pgx.Row) (aworld.TaskResponse, error) {
	var resp aworld.TaskResponse
	var usageJSON, trajJSON []byte
	if err := row.Scan(&resp.ID, &resp.Success, &resp.Msg, &resp.Answer, &usageJSON, &trajJSON, &resp.TimeCostMS); err != nil {
		return aworld.TaskResponse{}, err
	}
	if len(usageJSON) > 0 {
		_ = json.Unmarshal(usageJSON, &resp.Usage)
	}
	if len(trajJSON) > 0 {
		_ = json.Unmarshal(trajJSON, &resp.Trajectory)
	}
	return resp, nil
}
