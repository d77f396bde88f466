package streamlog

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLog(client, RedisOptions{}), mr
}

func TestRedisLog_AppendAndLastID(t *testing.T) {
	l, _ := newTestRedisLog(t)
	ctx := context.Background()

	id, err := l.LastID(ctx, "s")
	if err != nil {
		t.Fatalf("LastID on empty stream failed: %v", err)
	}
	if id != Beginning {
		t.Errorf("Expected %s, got %s", Beginning, id)
	}

	first, err := l.Append(ctx, "s", map[string]string{"chunkOutput": "a", "questionId": "q1"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	second, _ := l.Append(ctx, "s", map[string]string{"chunkOutput": "b", "questionId": "q1"})
	if CompareIDs(first, second) >= 0 {
		t.Errorf("Expected increasing ids, got %s then %s", first, second)
	}

	id, _ = l.LastID(ctx, "s")
	if id != second {
		t.Errorf("Expected last id %s, got %s", second, id)
	}
}

func TestRedisLog_RangeAndRead(t *testing.T) {
	l, _ := newTestRedisLog(t)
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		id, err := l.Append(ctx, "s", map[string]string{"chunkOutput": c})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids = append(ids, id)
	}

	entries, err := l.Range(ctx, "s", ids[0], ids[1])
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 2 || entries[1].Fields["chunkOutput"] != "b" {
		t.Errorf("Unexpected range result: %+v", entries)
	}

	entries, err = l.Read(ctx, "s", ids[0], 10, -1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != ids[1] || entries[1].ID != ids[2] {
		t.Errorf("Unexpected read result: %+v", entries)
	}

	entries, err = l.Read(ctx, "s", ids[2], 10, -1)
	if err != nil {
		t.Fatalf("Read past the end failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no entries past the end, got %d", len(entries))
	}
}

func TestRedisLog_CreateGroupBusyIsNotAnError(t *testing.T) {
	l, _ := newTestRedisLog(t)
	ctx := context.Background()

	if err := l.CreateGroup(ctx, "s", "g", "0", true); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if err := l.CreateGroup(ctx, "s", "g", "0", true); err != nil {
		t.Errorf("Expected existing group to be accepted, got %v", err)
	}
}

func TestRedisLog_ReadGroupAndAck(t *testing.T) {
	l, mr := newTestRedisLog(t)
	ctx := context.Background()

	if err := l.CreateGroup(ctx, "s", "g", "0", true); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	id, _ := l.Append(ctx, "s", map[string]string{"chunkOutput": "hello", "questionId": "q1"})

	batch, err := l.ReadGroup(ctx, GroupRead{Group: "g", Consumer: "c", Streams: []string{"s"}, Count: 1, Block: -1})
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(batch))
	}
	if batch[0].ID != id || batch[0].Stream != "s" || batch[0].Fields["questionId"] != "q1" {
		t.Errorf("Unexpected entry: %+v", batch[0])
	}

	if err := l.Ack(ctx, "s", "g", id); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	res, err := l.client.XPending(ctx, "s", "g").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("Expected nothing pending after ack, got %d", res.Count)
	}

	if !mr.Exists("s") {
		t.Error("Expected stream key to exist")
	}
}

func TestRedisLog_ReadGroupMissingGroup(t *testing.T) {
	l, _ := newTestRedisLog(t)
	ctx := context.Background()

	l.Append(ctx, "s", map[string]string{"chunkOutput": "x"})
	_, err := l.ReadGroup(ctx, GroupRead{Group: "missing", Consumer: "c", Streams: []string{"s"}, Count: 1, Block: -1})
	if !errors.Is(err, ErrNoGroup) {
		t.Errorf("Expected ErrNoGroup, got %v", err)
	}
}

func TestRedisLog_ReadErrorIsTransient(t *testing.T) {
	l, mr := newTestRedisLog(t)
	mr.Close()

	_, err := l.Range(context.Background(), "s", "-", "+")
	if err == nil {
		t.Fatal("Expected error with server gone")
	}
	if !IsTransient(err) {
		t.Errorf("Expected transient read error, got %v", err)
	}
}

// silentServer accepts connections and never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestRedisLog_AppendTimeout(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:                  silentServer(t),
		ReadTimeout:           3 * time.Second,
		WriteTimeout:          3 * time.Second,
		ContextTimeoutEnabled: true,
	})
	defer client.Close()
	l := NewRedisLog(client, RedisOptions{AppendTimeout: 150 * time.Millisecond})

	started := time.Now()
	_, err := l.Append(context.Background(), "s", map[string]string{"chunkOutput": "x"})
	elapsed := time.Since(started)

	if !errors.Is(err, ErrAppendTimeout) {
		t.Fatalf("Expected ErrAppendTimeout, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Expected append to give up near 150ms, took %v", elapsed)
	}
}

func TestRedisLog_ReclaimRedeliversToAnotherConsumer(t *testing.T) {
	l, _ := newTestRedisLog(t)
	ctx := context.Background()

	if err := l.CreateGroup(ctx, "s", "g", "0", true); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	id, _ := l.Append(ctx, "s", map[string]string{"chunkOutput": "x", "questionId": "q1"})

	first, err := l.ReadGroup(ctx, GroupRead{Group: "g", Consumer: "c1", Streams: []string{"s"}, Count: 10, Block: -1})
	if err != nil || len(first) != 1 {
		t.Fatalf("First read: expected 1 entry, got %d (%v)", len(first), err)
	}

	// c1 never acknowledges; c2 takes the entry over.
	second, err := l.ReadGroup(ctx, GroupRead{Group: "g", Consumer: "c2", Streams: []string{"s"}, Count: 10, Block: -1, Reclaim: true})
	if err != nil {
		t.Fatalf("Reclaiming read failed: %v", err)
	}
	if len(second) != 1 || second[0].ID != id || second[0].Stream != "s" {
		t.Fatalf("Expected %s redelivered, got %+v", id, second)
	}

	if err := l.Ack(ctx, "s", "g", id); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	third, err := l.ReadGroup(ctx, GroupRead{Group: "g", Consumer: "c3", Streams: []string{"s"}, Count: 10, Block: -1, Reclaim: true})
	if err != nil {
		t.Fatalf("Read after ack failed: %v", err)
	}
	if len(third) != 0 {
		t.Errorf("Expected nothing after ack, got %+v", third)
	}
}

func TestRedisLog_TrimIsExact(t *testing.T) {
	l, _ := newTestRedisLog(t)
	ctx := context.Background()

	for _, id := range []string{"1-0", "2-0", "3-0"} {
		if err := l.client.XAdd(ctx, &redis.XAddArgs{Stream: "s", ID: id, Values: map[string]interface{}{"chunkOutput": id}}).Err(); err != nil {
			t.Fatalf("XAdd failed: %v", err)
		}
	}

	removed, err := l.Trim(ctx, "s", "3-0")
	if err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 entries removed, got %d", removed)
	}
	entries, _ := l.Range(ctx, "s", "-", "+")
	if len(entries) != 1 || entries[0].ID != "3-0" {
		t.Errorf("Expected only 3-0 left, got %+v", entries)
	}
}

func TestRedisLog_StreamsAndDeleteIfEmpty(t *testing.T) {
	l, mr := newTestRedisLog(t)
	ctx := context.Background()

	l.Append(ctx, "B:u1", map[string]string{"chunkOutput": "x"})
	l.CreateGroup(ctx, "B:u2", "B_Grp_u2", "0", true)
	mr.Set("B:plain", "not a stream")

	streams, err := l.Streams(ctx, "B*")
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	if len(streams) != 2 {
		t.Errorf("Expected 2 streams, got %v", streams)
	}

	if ok, err := l.DeleteIfEmpty(ctx, "B:u1"); err != nil || ok {
		t.Errorf("Expected non-empty stream kept, got %v %v", ok, err)
	}
	if ok, err := l.DeleteIfEmpty(ctx, "B:u2"); err != nil || !ok {
		t.Errorf("Expected empty stream deleted, got %v %v", ok, err)
	}
	if mr.Exists("B:u2") {
		t.Error("Expected B:u2 key gone with its group")
	}
	if ok, _ := l.DeleteIfEmpty(ctx, "B:missing"); ok {
		t.Error("Expected missing stream not reported as deleted")
	}
}
