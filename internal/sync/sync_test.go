package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alfredjeanlab/conveyance/internal/store"
)

// mockDestination records calls to Write.
type mockDestination struct {
	writes atomic.Int64
	last   atomic.Value // []byte
	err    error
}

func (d *mockDestination) Write(_ context.Context, data []byte) error {
	d.writes.Add(1)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.last.Store(cp)
	return d.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	ms := store.NewMemory()
	seed(t, ms, store.KeyUpdates, `[{"id":"upd-1","type":"stage_completed","stage":"enquiries","role":"buyer","title":"Done","timestamp":"2026-10-01T10:00:00Z","read":false}]`)

	dest := &mockDestination{}
	sched := NewScheduler(ms, []Destination{dest}, 50*time.Millisecond, testLogger())
	sched.Start(context.Background())

	// Wait for at least the initial sync + one tick.
	time.Sleep(120 * time.Millisecond)
	sched.Stop()

	if writes := dest.writes.Load(); writes < 2 {
		t.Fatalf("expected at least 2 writes, got %d", writes)
	}

	data, ok := dest.last.Load().([]byte)
	if !ok || len(data) == 0 {
		t.Fatal("expected non-empty data")
	}
	// 1 header + 1 update
	if lines := nonEmptyLines(string(data)); len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	if st := sched.Status(); st.LastRun.IsZero() || st.Failures != 0 || st.LastBytes != len(data) {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestSchedulerStop_NoStart(t *testing.T) {
	sched := NewScheduler(store.NewMemory(), nil, time.Minute, testLogger())
	// Stop without Start should not panic.
	sched.Stop()
}

func TestSchedulerTrigger(t *testing.T) {
	dest := &mockDestination{}
	sched := NewScheduler(store.NewMemory(), []Destination{dest}, time.Hour, testLogger())
	sched.Start(context.Background())
	defer sched.Stop()

	waitWrites(t, dest, 1)
	sched.Trigger()
	waitWrites(t, dest, 2)
}

func TestSchedulerFailingDestination(t *testing.T) {
	bad := &mockDestination{err: errors.New("bucket gone")}
	good := &mockDestination{}
	sched := NewScheduler(store.NewMemory(), []Destination{bad, good}, time.Hour, testLogger())

	err := sched.SyncOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bucket gone") {
		t.Fatalf("expected destination error, got %v", err)
	}
	if good.writes.Load() != 1 {
		t.Fatal("good destination should still be written")
	}
	st := sched.Status()
	if st.Failures != 1 || st.LastError == "" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestFileDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backup.jsonl")
	dest := &FileDestination{Path: path}

	if err := dest.Write(context.Background(), []byte("one\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := dest.Write(context.Background(), []byte("two\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "two\n" {
		t.Errorf("content = %q, want %q", got, "two\n")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain")
	}
}

type fakeS3 struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, *in.Bucket+"/"+*in.Key)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Destination(t *testing.T) {
	client := &fakeS3{}
	dest := newS3Destination(client, "backups", "conveyance/backup.jsonl")
	dest.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }

	if err := dest.Write(context.Background(), []byte("{}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	dest.History = true
	if err := dest.Write(context.Background(), []byte("{}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := []string{
		"backups/conveyance/backup.jsonl",
		"backups/conveyance/backup.jsonl",
		"backups/conveyance/backup-20261014T120000Z.jsonl",
	}
	if len(client.keys) != len(want) {
		t.Fatalf("keys = %v, want %v", client.keys, want)
	}
	for i := range want {
		if client.keys[i] != want[i] {
			t.Errorf("key[%d] = %s, want %s", i, client.keys[i], want[i])
		}
	}
}

func TestS3Destination_Error(t *testing.T) {
	dest := newS3Destination(&fakeS3{err: errors.New("denied")}, "b", "k.jsonl")
	err := dest.Write(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func waitWrites(t *testing.T, d *mockDestination, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.writes.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d writes, got %d", n, d.writes.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
