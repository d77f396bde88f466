package jobs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"streamrelay/internal/services"
	"streamrelay/internal/streamlog"
)

// StreamUsers reports whether a stream still carries a question in flight.
type StreamUsers interface {
	StreamInUse(stream string) bool
}

// StreamRetentionJob trims entries older than the retention window from
// every stream under a base name. Per-recipient streams left empty by the
// trim are deleted with their consumer groups unless still in use.
type StreamRetentionJob struct {
	log       streamlog.Log
	base      string
	retention time.Duration
	users     StreamUsers
	metrics   *services.Metrics
	now       func() time.Time
}

// NewStreamRetentionJob creates a new stream retention job. users may be nil.
func NewStreamRetentionJob(log streamlog.Log, base string, retention time.Duration, users StreamUsers, metrics *services.Metrics) *StreamRetentionJob {
	return &StreamRetentionJob{
		log:       log,
		base:      base,
		retention: retention,
		users:     users,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run trims each matching stream once
func (j *StreamRetentionJob) Run(ctx context.Context) error {
	if j.retention <= 0 {
		log.Println("[RETENTION] Stream retention disabled")
		return nil
	}

	streams, err := j.log.Streams(ctx, j.base+"*")
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}

	minID := streamlog.IDAt(j.now().Add(-j.retention))
	var total int64
	var deleted int
	for _, stream := range streams {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		removed, err := j.log.Trim(ctx, stream, minID)
		if err != nil {
			log.Printf("[RETENTION] Failed to trim %s: %v", stream, err)
			continue
		}
		if removed > 0 {
			total += removed
			log.Printf("[RETENTION] Trimmed %d entries from %s", removed, stream)
		}

		if !j.deletable(stream) {
			continue
		}
		ok, err := j.log.DeleteIfEmpty(ctx, stream)
		if err != nil {
			log.Printf("[RETENTION] Failed to delete %s: %v", stream, err)
			continue
		}
		if ok {
			deleted++
		}
	}

	j.metrics.RecordTrimmed(total)
	log.Printf("[RETENTION] Trim complete: %d entries removed across %d streams, %d empty streams deleted",
		total, len(streams), deleted)
	return nil
}

// deletable reports whether stream is a per-recipient stream with nothing
// in flight. The shared stream is kept.
func (j *StreamRetentionJob) deletable(stream string) bool {
	if !strings.HasPrefix(stream, j.base+":") {
		return false
	}
	return j.users == nil || !j.users.StreamInUse(stream)
}
