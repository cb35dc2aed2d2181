package store

import (
	"fmt"
	"time"
)

const timeFmt = time.RFC3339

// JobRecord is one row: a completed (or in-flight) sandboxed job.
type JobRecord struct {
	SandboxID       string
	JobPID          int
	Argv0           string
	SubmittedAt     time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ExitCode        *int64
	PeakMemoryBytes *uint64
	CPUTimeNanos    *int64
	// Outcome is one of: pending, ok, cpu_tle, wall_tle, oom, killed,
	// runtime_error.
	Outcome string
}

func (s *Store) RecordStart(r JobRecord) error {
	if r.Outcome == "" {
		r.Outcome = "pending"
	}
	_, err := s.db.Exec(`INSERT INTO jobs (sandbox_id, job_pid, argv0, submitted_at, started_at, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.SandboxID, r.JobPID, r.Argv0, r.SubmittedAt.UTC().Format(timeFmt), formatTimePtr(r.StartedAt), r.Outcome)
	if err != nil {
		return fmt.Errorf("record job start: %w", err)
	}
	return nil
}

func (s *Store) RecordFinish(sandboxID string, jobPID int, exitCode int64, peakMemory *uint64, cpuTimeNanos *int64, outcome string) error {
	_, err := s.db.Exec(`UPDATE jobs SET finished_at = ?, exit_code = ?, peak_memory_bytes = ?, cpu_time_ns = ?, outcome = ?
		WHERE sandbox_id = ? AND job_pid = ?`,
		time.Now().UTC().Format(timeFmt), exitCode, peakMemory, cpuTimeNanos, outcome, sandboxID, jobPID)
	if err != nil {
		return fmt.Errorf("record job finish: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(limit int) ([]JobRecord, error) {
	rows, err := s.db.Query(`SELECT sandbox_id, job_pid, argv0, submitted_at, started_at, finished_at,
		exit_code, peak_memory_bytes, cpu_time_ns, outcome
		FROM jobs ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		var submittedAt string
		var startedAt, finishedAt *string
		if err := rows.Scan(&r.SandboxID, &r.JobPID, &r.Argv0, &submittedAt, &startedAt, &finishedAt,
			&r.ExitCode, &r.PeakMemoryBytes, &r.CPUTimeNanos, &r.Outcome); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		r.SubmittedAt, _ = time.Parse(timeFmt, submittedAt)
		r.StartedAt = parseTimePtr(startedAt)
		r.FinishedAt = parseTimePtr(finishedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumUsageByDateRange totals CPU time across every job that finished in
// [from, to), for capacity-planning reports.
func (s *Store) SumUsageByDateRange(from, to time.Time) (totalCPUNanos int64, jobCount int, err error) {
	row := s.db.QueryRow(`SELECT COALESCE(SUM(cpu_time_ns), 0), COUNT(*) FROM jobs
		WHERE finished_at >= ? AND finished_at < ?`,
		from.UTC().Format(timeFmt), to.UTC().Format(timeFmt))
	if err := row.Scan(&totalCPUNanos, &jobCount); err != nil {
		return 0, 0, fmt.Errorf("sum usage by date range: %w", err)
	}
	return totalCPUNanos, jobCount, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFmt)
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(timeFmt, *s)
	if err != nil {
		return nil
	}
	return &t
}
