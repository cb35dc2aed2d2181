package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordStartThenFinishRoundTrips(t *testing.T) {
	s := openTestStore(t)

	submitted := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordStart(JobRecord{
		SandboxID:   "ab12cd34",
		JobPID:      1,
		Argv0:       "/bin/true",
		SubmittedAt: submitted,
	}))

	mem := uint64(4 << 20)
	cpu := int64(1_500_000_000)
	require.NoError(t, s.RecordFinish("ab12cd34", 1, 0, &mem, &cpu, "ok"))

	records, err := s.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	require.Equal(t, "ab12cd34", r.SandboxID)
	require.Equal(t, "/bin/true", r.Argv0)
	require.Equal(t, "ok", r.Outcome)
	require.NotNil(t, r.ExitCode)
	require.EqualValues(t, 0, *r.ExitCode)
	require.NotNil(t, r.PeakMemoryBytes)
	require.Equal(t, mem, *r.PeakMemoryBytes)
	require.NotNil(t, r.CPUTimeNanos)
	require.Equal(t, cpu, *r.CPUTimeNanos)
	require.NotNil(t, r.FinishedAt)
	require.True(t, r.SubmittedAt.Equal(submitted))
}

func TestRecordStartDefaultsOutcomeToPending(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordStart(JobRecord{
		SandboxID:   "deadbeef",
		JobPID:      2,
		Argv0:       "/bin/sleep",
		SubmittedAt: time.Now(),
	}))

	records, err := s.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "pending", records[0].Outcome)
	require.Nil(t, records[0].ExitCode)
}

func TestListRecentHonorsLimitAndOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordStart(JobRecord{
			SandboxID:   "sandbox0",
			JobPID:      i + 1,
			Argv0:       "/bin/true",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.ListRecent(3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Newest first.
	require.Equal(t, 5, records[0].JobPID)
	require.Equal(t, 4, records[1].JobPID)
}

func TestSumUsageByDateRange(t *testing.T) {
	s := openTestStore(t)

	for i, cpu := range []int64{1_000_000_000, 2_000_000_000} {
		require.NoError(t, s.RecordStart(JobRecord{
			SandboxID:   "sumtest0",
			JobPID:      i + 1,
			Argv0:       "/bin/true",
			SubmittedAt: time.Now(),
		}))
		c := cpu
		require.NoError(t, s.RecordFinish("sumtest0", i+1, 0, nil, &c, "ok"))
	}

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	total, count, err := s.SumUsageByDateRange(from, to)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.EqualValues(t, 3_000_000_000, total)
}

func TestMigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// A second open replays migration discovery against the recorded
	// schema_migrations rows and must not re-apply anything.
	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
