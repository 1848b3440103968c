package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/splax/helion-deployer/internal/blobstore"
)

type failingStore struct {
	*blobstore.Memory
	putErr error
}

func (f failingStore) Put(ctx context.Context, key string, data []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Memory.Put(ctx, key, data)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var historyLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6} ~ [A-Z]+$`)

func TestGetUnknownReturnsDefault(t *testing.T) {
	l := New(blobstore.NewMemory(), quietLogger())
	rec := l.Get(context.Background(), "missing")
	if rec.DeployStatus != "" || len(rec.History) != 0 {
		t.Fatalf("expected empty default record, got %+v", rec)
	}
	if rec.Package != "N/A" || rec.Destination != "" {
		t.Fatalf("expected unbound package fields, got %+v", rec)
	}
	if rec.History == nil {
		t.Fatal("expected non-nil history so it encodes as []")
	}

	bound := l.ForPackage(PackageInfo{Name: "node-env", Destination: "https://node-env.example.io"})
	rec = bound.Get(context.Background(), "missing")
	if rec.Package != "node-env" || rec.Destination != "https://node-env.example.io" {
		t.Fatalf("expected bound package fields, got %+v", rec)
	}
}

func TestGetCorruptRecordReturnsDefault(t *testing.T) {
	store := blobstore.NewMemory()
	if err := store.Put(context.Background(), Key("bad"), []byte("{not json")); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec := New(store, quietLogger()).Get(context.Background(), "bad")
	if rec.Found() {
		t.Fatalf("expected default record, got %+v", rec)
	}
}

func TestSetAppendsHistory(t *testing.T) {
	store := blobstore.NewMemory()
	l := New(store, quietLogger()).ForPackage(PackageInfo{Name: "node-env", Destination: "https://node-env.x.io"})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	statuses := []string{"INIT", "STARTED", "COPY", "SUCCESS"}
	var rec Record
	var err error
	for _, s := range statuses {
		rec, err = l.Set(context.Background(), "dep-1", s)
		if err != nil {
			t.Fatalf("set %s: %v", s, err)
		}
	}
	if len(rec.History) != len(statuses) {
		t.Fatalf("expected %d history entries, got %d", len(statuses), len(rec.History))
	}
	prev := ""
	for i, line := range rec.History {
		if !historyLine.MatchString(line) {
			t.Fatalf("history line %q has unexpected format", line)
		}
		if !strings.HasSuffix(line, " ~ "+statuses[i]) {
			t.Fatalf("expected entry %d to end with %s, got %s", i, statuses[i], line)
		}
		stamp := strings.SplitN(line, " ~ ", 2)[0]
		if stamp < prev {
			t.Fatalf("timestamps decreased: %s after %s", stamp, prev)
		}
		prev = stamp
	}
	if rec.DeployStatus != "SUCCESS" || rec.Datetime != prev {
		t.Fatalf("expected latest status and datetime, got %+v", rec)
	}

	stored := New(store, quietLogger()).Get(context.Background(), "dep-1")
	if stored.DeployStatus != "SUCCESS" || len(stored.History) != 4 || stored.Package != "node-env" {
		t.Fatalf("unexpected stored record %+v", stored)
	}
}

func TestSetWritesSortedKeys(t *testing.T) {
	store := blobstore.NewMemory()
	l := New(store, quietLogger())
	if _, err := l.Set(context.Background(), "dep-2", "INIT"); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := store.Get(context.Background(), "deployment_dep-2.json")
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	keys := []string{`"datetime"`, `"deploy_id"`, `"deploy_status"`, `"destination"`, `"history"`, `"package"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(string(data), k)
		if idx <= last {
			t.Fatalf("expected sorted keys, got %s", data)
		}
		last = idx
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if generic["package"] != "N/A" {
		t.Fatalf("expected N/A package, got %v", generic["package"])
	}
}

func TestSetPropagatesWriteFailure(t *testing.T) {
	boom := errors.New("store down")
	l := New(failingStore{Memory: blobstore.NewMemory(), putErr: boom}, quietLogger())
	if _, err := l.Set(context.Background(), "dep-3", "INIT"); !errors.Is(err, boom) {
		t.Fatalf("expected write failure, got %v", err)
	}
}

func TestAllSkipsUnparseable(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	l := New(store, quietLogger())
	for _, id := range []string{"a", "b"} {
		if _, err := l.Set(ctx, id, "INIT"); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	_ = store.Put(ctx, Key("broken"), []byte("nope"))
	_ = store.Put(ctx, "node-env.tar.gz", []byte("archive"))

	records, err := l.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}
