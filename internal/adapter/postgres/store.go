package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentdock/agentdock/internal/domain/agentrun"
)

const runColumns = `id, name, prompt, profile_id, project_id, base_branch,
	auto_branch, auto_pr, auto_merge, auto_review, max_duration_minutes,
	status, progress, branch, pr_url, error, result, worktree_id,
	created_at, started_at, completed_at, updated_at`

// Store implements runstore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *agentrun.Run) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent_runs (id, name, prompt, profile_id, project_id, base_branch,
		   auto_branch, auto_pr, auto_merge, auto_review, max_duration_minutes,
		   status, progress, branch, pr_url, error, result, worktree_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING created_at, updated_at`,
		r.ID, r.Name, r.Prompt, r.ProfileID, r.ProjectID, r.BaseBranch,
		r.AutoBranch, r.AutoPR, r.AutoMerge, r.AutoReview, r.MaxDurationMinutes,
		string(r.Status), r.Progress, r.Branch, r.PRURL, r.Error, r.Result, r.WorktreeID)

	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*agentrun.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)

	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *agentrun.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $2, progress = $3, branch = $4, pr_url = $5,
		   error = $6, result = $7, worktree_id = $8, started_at = $9, completed_at = $10,
		   updated_at = now()
		 WHERE id = $1`,
		r.ID, string(r.Status), r.Progress, r.Branch, r.PRURL,
		r.Error, r.Result, r.WorktreeID, nullTime(r.StartedAt), nullTime(r.CompletedAt))
	return execExpectOne(tag, err, "update run %s", r.ID)
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status agentrun.Status, progress float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $2, progress = $3,
		   started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		   updated_at = now()
		 WHERE id = $1`,
		id, string(status), progress)
	return execExpectOne(tag, err, "update run status %s", id)
}

func (s *Store) CompleteRun(ctx context.Context, id string, status agentrun.Status, result, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $2, result = $3, error = $4,
		   progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
		   completed_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, string(status), result, errMsg)
	return execExpectOne(tag, err, "complete run %s", id)
}

func (s *Store) ListRuns(ctx context.Context, filter agentrun.ListFilter) ([]agentrun.Run, int, error) {
	where, args := buildRunFilter(filter)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM agent_runs` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []agentrun.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return orEmpty(runs), total, rows.Err()
}

func (s *Store) ListRunsInStatus(ctx context.Context, statuses ...agentrun.Status) ([]agentrun.Run, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE status = ANY($1) ORDER BY created_at ASC`, vals)
	if err != nil {
		return nil, fmt.Errorf("list runs in status: %w", err)
	}
	defer rows.Close()

	var runs []agentrun.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agent_runs WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete run %s", id)
}

func (s *Store) ClearTerminalRuns(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_runs WHERE status IN ('completed', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("clear terminal runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// buildRunFilter renders the WHERE clause for ListRuns.
func buildRunFilter(filter agentrun.ListFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		conds = append(conds, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// --- Task trees ---

func (s *Store) SaveTasks(ctx context.Context, runID string, tasks []agentrun.Task) error {
	tree, err := json.Marshal(orEmpty(tasks))
	if err != nil {
		return fmt.Errorf("marshal task tree: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_tasks (run_id, tree, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (run_id) DO UPDATE SET tree = EXCLUDED.tree, updated_at = now()`,
		runID, tree)
	if err != nil {
		return fmt.Errorf("save tasks for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) GetTasks(ctx context.Context, runID string) ([]agentrun.Task, error) {
	var tree []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tree FROM agent_tasks WHERE run_id = $1`, runID).Scan(&tree)
	if errors.Is(err, pgx.ErrNoRows) {
		// A run with no reported tasks yet is not an error.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tasks for run %s: %w", runID, err)
	}

	var tasks []agentrun.Task
	if err := json.Unmarshal(tree, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal task tree for run %s: %w", runID, err)
	}
	return tasks, nil
}

// --- Logs ---

func (s *Store) AppendLog(ctx context.Context, runID string, entry agentrun.LogEntry) error {
	var fields []byte
	if entry.Fields != nil {
		var err error
		fields, err = json.Marshal(entry.Fields)
		if err != nil {
			return fmt.Errorf("marshal log fields: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_logs (run_id, ts, level, message, fields)
		 VALUES ($1, $2, $3, $4, $5)`,
		runID, entry.Time, string(entry.Level), entry.Message, fields)
	if err != nil {
		return fmt.Errorf("append log for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, runID string) ([]agentrun.LogEntry, error) {
	// Ordered by insertion (seq), not timestamp, so clock skew in the
	// agent process cannot reorder history.
	rows, err := s.pool.Query(ctx,
		`SELECT ts, level, message, fields FROM agent_logs WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []agentrun.LogEntry
	for rows.Next() {
		var e agentrun.LogEntry
		var level string
		var fields []byte
		if err := rows.Scan(&e.Time, &level, &e.Message, &fields); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Level = agentrun.LogLevel(level)
		if fields != nil {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal log fields: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return orEmpty(entries), rows.Err()
}

// --- Stats ---

func (s *Store) Stats(ctx context.Context, days int, projectID string) (*agentrun.Stats, error) {
	if days < 1 {
		days = 7
	}

	args := []any{days}
	where := ` WHERE created_at >= now() - make_interval(days => $1)`
	if projectID != "" {
		args = append(args, projectID)
		where += fmt.Sprintf(" AND project_id = $%d", len(args))
	}

	stats := &agentrun.Stats{ByStatus: make(map[agentrun.Status]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM agent_runs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[agentrun.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	completed := stats.ByStatus[agentrun.StatusCompleted]
	terminal := completed + stats.ByStatus[agentrun.StatusFailed] + stats.ByStatus[agentrun.StatusCancelled]
	if terminal > 0 {
		stats.SuccessRate = float64(completed) / float64(terminal)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(avg(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		 FROM agent_runs`+where+` AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		args...).Scan(&stats.AvgDurationSec)
	if err != nil {
		return nil, fmt.Errorf("stats avg duration: %w", err)
	}

	dayRows, err := s.pool.Query(ctx,
		`SELECT to_char(created_at::date, 'YYYY-MM-DD') AS day, count(*)
		 FROM agent_runs`+where+` GROUP BY day ORDER BY day ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("stats by day: %w", err)
	}
	defer dayRows.Close()

	for dayRows.Next() {
		var dc agentrun.DayCount
		if err := dayRows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		stats.ByDay = append(stats.ByDay, dc)
	}
	stats.ByDay = orEmpty(stats.ByDay)
	return stats, dayRows.Err()
}

// --- Scanners ---

func scanRun(row scannable) (agentrun.Run, error) {
	var r agentrun.Run
	var status string
	err := row.Scan(
		&r.ID, &r.Name, &r.Prompt, &r.ProfileID, &r.ProjectID, &r.BaseBranch,
		&r.AutoBranch, &r.AutoPR, &r.AutoMerge, &r.AutoReview, &r.MaxDurationMinutes,
		&status, &r.Progress, &r.Branch, &r.PRURL, &r.Error, &r.Result, &r.WorktreeID,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	r.Status = agentrun.Status(status)
	return r, err
}
