package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestOpenRedisPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, PingTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected ping error for a closed server")
	}
}

func TestConcurrencyCapAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	key := "cap:transcribe"
	ok, err := AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should be rejected: ok=%v err=%v", ok, err)
	}
	if got, _ := mr.Get(key); got != "1" {
		t.Fatalf("counter = %q after rejected acquire, want 1", got)
	}
	if err := ReleaseConcurrencyCap(ctx, rdb, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("counter should be deleted when it reaches zero")
	}
	ok, err = AcquireConcurrencyCap(ctx, rdb, key, 1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestConcurrencyCapExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	if ok, _ := AcquireConcurrencyCap(ctx, rdb, "cap:analyze", 1, time.Second); !ok {
		t.Fatalf("first acquire rejected")
	}
	mr.FastForward(2 * time.Second)
	if ok, err := AcquireConcurrencyCap(ctx, rdb, "cap:analyze", 1, time.Second); err != nil || !ok {
		t.Fatalf("slot held by a dead holder should expire: ok=%v err=%v", ok, err)
	}
}

func TestConcurrencyCapValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireConcurrencyCap(ctx, nil, "k", 1, time.Second); err == nil {
		t.Fatalf("expected nil client error")
	}
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()
	if _, err := AcquireConcurrencyCap(ctx, rdb, "k", 0, time.Second); err == nil {
		t.Fatalf("expected limit error")
	}
}
