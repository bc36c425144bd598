package kv

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// newTestStore connects to the Redis named by REDIS_ADDR, skipping the test
// when the environment does not provide one.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st, err := NewStore(WithAddr(addr), WithNamespace("cwtest"))
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreSetGetDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	type payload struct {
		Value string    `msgpack:"value"`
		At    time.Time `msgpack:"at"`
	}
	in := payload{Value: "hello", At: time.Now().UTC().Truncate(time.Millisecond)}

	ok, err := st.Set(ctx, "k1", in, time.Minute, SetModeAlways)
	if err != nil || !ok {
		t.Fatalf("set failed: ok=%v err=%v", ok, err)
	}
	var out payload
	if err := st.GetInto(ctx, "k1", &out); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if out.Value != in.Value || !out.At.Equal(in.At) {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
	if err := st.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := st.GetInto(ctx, "k1", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreSetNX(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	defer st.Delete(ctx, "nx1")

	ok, err := st.Set(ctx, "nx1", "first", time.Minute, SetModeNX)
	if err != nil || !ok {
		t.Fatalf("first NX set failed: ok=%v err=%v", ok, err)
	}
	// Second arm attempt must be refused: this is what prevents a broadcast
	// trigger from being double armed.
	ok, err = st.Set(ctx, "nx1", "second", time.Minute, SetModeNX)
	if err != nil {
		t.Fatalf("second NX set errored: %v", err)
	}
	if ok {
		t.Error("expected NX set on existing key to be refused")
	}
}

func TestStoreExpireAndTTL(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	defer st.Delete(ctx, "exp1")

	if _, err := st.Set(ctx, "exp1", "v", time.Minute, SetModeAlways); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	ok, err := st.Expire(ctx, "exp1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expire failed: ok=%v err=%v", ok, err)
	}
	ttl, err := st.TTL(ctx, "exp1")
	if err != nil {
		t.Fatalf("ttl failed: %v", err)
	}
	if ttl <= time.Minute || ttl > time.Hour {
		t.Errorf("unexpected ttl after refresh: %v", ttl)
	}
}

func TestStoreExpiryNotification(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := st.SubscribeExpired(ctx)
	if err != nil {
		t.Skipf("keyspace notifications unavailable: %v", err)
	}
	if _, err := st.Set(ctx, "fire1", "v", time.Second, SetModeAlways); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	for {
		select {
		case key, ok := <-events:
			if !ok {
				t.Fatal("event channel closed before expiry arrived")
			}
			if key == "fire1" {
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for expiry notification")
		}
	}
}
