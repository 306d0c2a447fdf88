// Package sqlite implements aworld.TrajectoryStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	aworld "github.com/nevindra/aworld"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
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

// Store persists task terminators in a local SQLite file. Usage and
// trajectory are stored as JSON text.
type Store struct {
	db     *sql.DB
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

// New creates a Store at dbPath. All goroutines serialize through one
// connection so concurrent batch writers never hit SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the trajectories table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS trajectories (
		task_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		msg TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		usage TEXT,
		trajectory TEXT,
		time_cost_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_trajectories_group ON trajectories(group_id)`)
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveTrajectory inserts or replaces the terminator for a task.
func (s *Store) SaveTrajectory(ctx context.Context, groupID string, resp aworld.TaskResponse) error {
	start := time.Now()
	s.logger.Debug("sqlite: save trajectory", "task_id", resp.ID, "group_id", groupID, "success", resp.Success)

	var usageJSON *string
	if len(resp.Usage) > 0 {
		data, _ := json.Marshal(resp.Usage)
		v := string(data)
		usageJSON = &v
	}
	var trajJSON *string
	if len(resp.Trajectory) > 0 {
		data, _ := json.Marshal(resp.Trajectory)
		v := string(data)
		trajJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO trajectories (task_id, group_id, success, msg, answer, usage, trajectory, time_cost_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, groupID, boolToInt(resp.Success), resp.Msg, resp.Answer,
		usageJSON, trajJSON, resp.TimeCostMS, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: save trajectory failed", "task_id", resp.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save trajectory: %w", err)
	}
	s.logger.Debug("sqlite: save trajectory ok", "task_id", resp.ID, "duration", time.Since(start))
	return nil
}

// GetTrajectory returns the stored terminator for a task.
func (s *Store) GetTrajectory(ctx context.Context, taskID string) (aworld.TaskResponse, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get trajectory", "task_id", taskID)

	var resp aworld.TaskResponse
	var success int
	var usageJSON, trajJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, success, msg, answer, usage, trajectory, time_cost_ms
		 FROM trajectories WHERE task_id = ?`, taskID,
	).Scan(&resp.ID, &success, &resp.Msg, &resp.Answer, &usageJSON, &trajJSON, &resp.TimeCostMS)
	if err != nil {
		s.logger.Error("sqlite: get trajectory failed", "task_id", taskID, "error", err, "duration", time.Since(start))
		return aworld.TaskResponse{}, fmt.Errorf("get trajectory: %w", err)
	}
	resp.Success = success != 0
	if usageJSON.Valid {
		_ = json.Unmarshal([]byte(usageJSON.String), &resp.Usage)
	}
	if trajJSON.Valid {
		_ = json.Unmarshal([]byte(trajJSON.String), &resp.Trajectory)
	}
	s.logger.Debug("sqlite: get trajectory ok", "task_id", taskID, "duration", time.Since(start))
	return resp, nil
}

// ListGroup returns all terminators saved under one group, oldest first.
func (s *Store) ListGroup(ctx context.Context, groupID string) ([]aworld.TaskResponse, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list group", "group_id", groupID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, success, msg, answer, usage, trajectory, time_cost_ms
		 FROM trajectories WHERE group_id = ? ORDER BY created_at, task_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group: %w", err)
	}
	defer rows.Close()

	var resps []aworld.TaskResponse
	for rows.Next() {
		var resp aworld.TaskResponse
		var success int
		var usageJSON, trajJSON sql.NullString
		if err := rows.Scan(&resp.ID, &success, &resp.Msg, &resp.Answer, &usageJSON, &trajJSON, &resp.TimeCostMS); err != nil {
			return nil, fmt.Errorf("scan trajectory: %w", err)
		}
		resp.Success = success != 0
		if usageJSON.Valid {
			_ = json.Unmarshal([]byte(usageJSON.String), &resp.Usage)
		}
		if trajJSON.Valid {
			_ = json.Unmarshal([]byte(trajJSON.String), &resp.Trajectory)
		}
		resps = append(resps, resp)
	}
	s.logger.Debug("sqlite: list group ok", "group_id", groupID, "count", len(resps), "duration", time.Since(start))
	return resps, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
