package redisclaim

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func openClaimer(t *testing.T) *Claimer {
	t.Helper()
	addr := os.Getenv("ARBITER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARBITER_TEST_REDIS_ADDR not set, skipping integration test")
	}
	rdb, err := Dial(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "arbiter:test:"+ulid.Make().String()+":")
}

func TestClaimIsExclusive(t *testing.T) {
	c := openClaimer(t)
	ctx := context.Background()

	ok, err := c.Claim(ctx, "INC1", "replica-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Claim = %v, %v; want true, nil", ok, err)
	}
	ok, err = c.Claim(ctx, "INC1", "replica-b", time.Minute)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if ok {
		t.Fatal("second Claim succeeded while the first is held")
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	c := openClaimer(t)
	ctx := context.Background()

	if ok, err := c.Claim(ctx, "INC2", "replica-a", time.Minute); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	if err := c.Release(ctx, "INC2", "replica-b"); err != nil {
		t.Fatalf("Release by non-owner: %v", err)
	}
	if ok, _ := c.Claim(ctx, "INC2", "replica-b", time.Minute); ok {
		t.Fatal("non-owner release dropped the claim")
	}

	if err := c.Release(ctx, "INC2", "replica-a"); err != nil {
		t.Fatalf("Release by owner: %v", err)
	}
	if ok, err := c.Claim(ctx, "INC2", "replica-b", time.Minute); err != nil || !ok {
		t.Fatalf("Claim after release = %v, %v; want true, nil", ok, err)
	}
}

func TestClaimExpires(t *testing.T) {
	c := openClaimer(t)
	ctx := context.Background()

	if ok, err := c.Claim(ctx, "INC3", "replica-a", 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	time.Sleep(250 * time.Millisecond)
	if ok, err := c.Claim(ctx, "INC3", "replica-b", time.Minute); err != nil || !ok {
		t.Fatalf("Claim after expiry = %v, %v; want true, nil", ok, err)
	}
}

func TestKeyPrefix(t *testing.T) {
	t.Parallel()

	if got := New(nil, "").key("INC9"); got != "arbiter:claim:INC9" {
		t.Errorf("key = %q", got)
	}
	if got := New(nil, "x:").key("INC9"); got != "x:INC9" {
		t.Errorf("key = %q", got)
	}
}
