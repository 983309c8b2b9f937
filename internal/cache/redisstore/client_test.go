package redisstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestSetGet_HappyPath(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := rc.Get(ctx, "k1")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get got=%q ok=%v err=%v", got, ok, err)
	}
}

func TestGet_MissingKeyIsNotAnError(t *testing.T) {
	rc, _ := newMini(t)
	b, ok, err := rc.Get(context.Background(), "missing")
	if err != nil || ok || b != nil {
		t.Fatalf("b=%v ok=%v err=%v", b, ok, err)
	}
}

func TestNew_EmptyAddr(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNew_UnreachableFailsPing(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := New(ctx, addr, WithDialTimeout(100*time.Millisecond)); err == nil {
		t.Fatal("expected ping failure")
	}
}
