package redisstore

import (
	"context"
	"testing"
	"time"
)

func TestTTLExpiry_GetMissesExpired(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "ttl-key", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok, err := rc.Get(ctx, "ttl-key"); err != nil || !ok || string(got) != "v" {
		t.Fatalf("pre expiry got=%q ok=%v err=%v", got, ok, err)
	}

	mr.FastForward(3 * time.Second)

	if _, ok, err := rc.Get(ctx, "ttl-key"); err != nil || ok {
		t.Fatalf("expected ttl-key to be absent after expiry; ok=%v err=%v", ok, err)
	}
}

func TestSet_ZeroTTLPersists(t *testing.T) {
	rc, mr := newMini(t)
	if err := rc.Set(context.Background(), "forever", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("forever"); ttl != 0 {
		t.Fatalf("ttl=%v want none", ttl)
	}
}
