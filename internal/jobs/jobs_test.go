package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"streamrelay/internal/streamlog"
)

func seed(t *testing.T, log streamlog.Log, stream string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := log.Append(context.Background(), stream, map[string]string{"chunkOutput": "x"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}

func TestStreamRetentionJob_TrimsExpiredEntries(t *testing.T) {
	log := streamlog.NewMemoryLog()
	defer log.Close()
	seed(t, log, "OPENAI_STREAM:u1", 3)
	seed(t, log, "OPENAI_STREAM:u2", 2)
	seed(t, log, "OTHER", 4)

	job := NewStreamRetentionJob(log, "OPENAI_STREAM", time.Hour, nil, nil)
	job.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ctx := context.Background()
	for _, stream := range []string{"OPENAI_STREAM:u1", "OPENAI_STREAM:u2"} {
		entries, _ := log.Range(ctx, stream, "-", "+")
		if len(entries) != 0 {
			t.Errorf("Expected %s to be trimmed, %d entries left", stream, len(entries))
		}
	}
	if entries, _ := log.Range(ctx, "OTHER", "-", "+"); len(entries) != 4 {
		t.Errorf("Expected unrelated stream untouched, got %d entries", len(entries))
	}
}

type busyStreams map[string]bool

func (b busyStreams) StreamInUse(stream string) bool { return b[stream] }

func TestStreamRetentionJob_DeletesEmptiedStreams(t *testing.T) {
	log := streamlog.NewMemoryLog()
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		stream := fmt.Sprintf("OPENAI_STREAM:conn-%d", i)
		if err := log.CreateGroup(ctx, stream, "OPENAI_STREAM_Grp_conn", "0", true); err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
		seed(t, log, stream, 3)
	}
	seed(t, log, "OPENAI_STREAM:busy", 2)
	seed(t, log, "OPENAI_STREAM", 2)

	job := NewStreamRetentionJob(log, "OPENAI_STREAM", time.Hour, busyStreams{"OPENAI_STREAM:busy": true}, nil)
	job.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	streams, err := log.Streams(ctx, "OPENAI_STREAM*")
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	want := []string{"OPENAI_STREAM", "OPENAI_STREAM:busy"}
	if len(streams) != len(want) || streams[0] != want[0] || streams[1] != want[1] {
		t.Errorf("Expected only %v to remain, got %v", want, streams)
	}
}

func TestStreamRetentionJob_KeepsRecentEntries(t *testing.T) {
	log := streamlog.NewMemoryLog()
	defer log.Close()
	seed(t, log, "OPENAI_STREAM:u1", 3)

	job := NewStreamRetentionJob(log, "OPENAI_STREAM", time.Hour, nil, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if entries, _ := log.Range(context.Background(), "OPENAI_STREAM:u1", "-", "+"); len(entries) != 3 {
		t.Errorf("Expected recent entries kept, got %d", len(entries))
	}
}

func TestStreamRetentionJob_Disabled(t *testing.T) {
	log := streamlog.NewMemoryLog()
	defer log.Close()
	seed(t, log, "OPENAI_STREAM:u1", 1)

	job := NewStreamRetentionJob(log, "OPENAI_STREAM", 0, nil, nil)
	job.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if entries, _ := log.Range(context.Background(), "OPENAI_STREAM:u1", "-", "+"); len(entries) != 1 {
		t.Errorf("Expected no trimming when disabled, got %d entries", len(entries))
	}
}

type countingJob struct {
	runs atomic.Int32
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return nil
}

func TestJobScheduler_RunsRegisteredJobs(t *testing.T) {
	s, err := NewJobScheduler()
	if err != nil {
		t.Fatalf("NewJobScheduler failed: %v", err)
	}

	job := &countingJob{}
	if err := s.Register("count", 20*time.Millisecond, job); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for job.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if job.runs.Load() < 2 {
		t.Errorf("Expected at least 2 runs, got %d", job.runs.Load())
	}

	status := s.GetStatus()
	if status["count"].Interval != 20*time.Millisecond {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestJobScheduler_RunNow(t *testing.T) {
	s, err := NewJobScheduler()
	if err != nil {
		t.Fatalf("NewJobScheduler failed: %v", err)
	}
	defer s.Stop()

	job := &countingJob{}
	s.Register("count", time.Hour, job)

	if err := s.RunNow("count"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if job.runs.Load() != 1 {
		t.Errorf("Expected 1 run, got %d", job.runs.Load())
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("Expected error for unknown job")
	}
}

func TestJobScheduler_RegisterCron(t *testing.T) {
	s, err := NewJobScheduler()
	if err != nil {
		t.Fatalf("NewJobScheduler failed: %v", err)
	}
	defer s.Stop()

	if err := s.RegisterCron("bad", "every hour", &countingJob{}); err == nil {
		t.Error("Expected invalid cron expression to be rejected")
	}
	if err := s.RegisterCron("nightly", "0 3 * * *", &countingJob{}); err != nil {
		t.Fatalf("RegisterCron failed: %v", err)
	}
	if got := s.GetStatus()["nightly"].Cron; got != "0 3 * * *" {
		t.Errorf("Expected cron in status, got %q", got)
	}
}
