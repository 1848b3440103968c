package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "deployer:blob:")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	if err := store.EnsureContainer(ctx); err != nil {
		t.Fatalf("ensure container: %v", err)
	}

	if _, err := store.Get(ctx, "deployment_1.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(ctx, "node-env.tar.gz")
	if err != nil || ok {
		t.Fatalf("expected missing package, got %v %v", ok, err)
	}

	if err := store.Put(ctx, "deployment_1.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := mr.Get("deployer:blob:deployment_1.json")
	if err != nil || raw != `{"a":1}` {
		t.Fatalf("expected record under the key prefix, got %q %v", raw, err)
	}
	data, err := store.Get(ctx, "deployment_1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected data %q", data)
	}

	if err := store.Put(ctx, "node-env.tar.gz", []byte("archive")); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err = store.Exists(ctx, "node-env.tar.gz")
	if err != nil || !ok {
		t.Fatalf("expected package to exist, got %v %v", ok, err)
	}
}

func TestRedisListScopesToPrefix(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)
	for _, key := range []string{"deployment_2.json", "deployment_1.json", "node-env.tar.gz"} {
		if err := store.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	// keys outside the store prefix belong to someone else
	mr.Set("other:deployment_3.json", "x")
	mr.Set("deployment_4.json", "x")

	objects, err := store.List(ctx, "deployment_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0].Name != "deployment_1.json" || objects[1].Name != "deployment_2.json" {
		t.Fatalf("unexpected listing %+v", objects)
	}
	if objects[0].ContentType != "application/json" {
		t.Fatalf("unexpected content type %s", objects[0].ContentType)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[2].Name != "node-env.tar.gz" || all[2].ContentType != "application/gzip" {
		t.Fatalf("unexpected full listing %+v", all)
	}

	// glob characters in the prefix match literally
	none, err := store.List(ctx, "dep*")
	if err != nil {
		t.Fatalf("list glob: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected literal prefix match, got %+v", none)
	}
}

func TestRedisRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	if err := store.Put(ctx, "../escape.json", []byte("x")); err == nil {
		t.Fatal("expected put with traversal key to fail")
	}
	if _, err := store.Exists(ctx, ""); err == nil {
		t.Fatal("expected exists with empty key to fail")
	}
}

func TestRedisEnsureContainerUnreachable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()
	if err := store.EnsureContainer(context.Background()); err == nil {
		t.Fatal("expected ensure container to fail when redis is down")
	}
}
