package auth

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"vidgate/internal/testsupport/redisstub"
)

func newRedisSessionFixture(t *testing.T) *RedisSessionStore {
	t.Helper()

	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	client := redis.NewClient(&redis.Options{Addr: stub.Addr()})
	store := NewRedisSessionStoreWithClient(client)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping redis stub: %v", err)
	}
	return store
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	store := newRedisSessionFixture(t)

	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	absolute := expiresAt.Add(6 * time.Hour)
	if err := store.Save("hashed-token", "admin-1", expiresAt, absolute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	record, ok, err := store.Get("hashed-token")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !ok {
		t.Fatal("expected session to be present")
	}
	if record.UserID != "admin-1" {
		t.Fatalf("expected user admin-1, got %q", record.UserID)
	}
	if !record.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, record.ExpiresAt)
	}
	if !record.AbsoluteExpiresAt.Equal(absolute) {
		t.Fatalf("expected absolute expiry %v, got %v", absolute, record.AbsoluteExpiresAt)
	}
}

func TestRedisSessionStoreMissingToken(t *testing.T) {
	store := newRedisSessionFixture(t)

	_, ok, err := store.Get("never-saved")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Fatal("expected missing session")
	}
}

func TestRedisSessionStoreDelete(t *testing.T) {
	store := newRedisSessionFixture(t)

	expiresAt := time.Now().Add(time.Hour)
	if err := store.Save("hashed-token", "admin-1", expiresAt, expiresAt); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Delete("hashed-token"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	_, ok, err := store.Get("hashed-token")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Fatal("expected session to be gone after delete")
	}
}

func TestRedisSessionStoreSaveExpiredDeletes(t *testing.T) {
	store := newRedisSessionFixture(t)

	past := time.Now().Add(-time.Minute)
	if err := store.Save("hashed-token", "admin-1", past, past); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	_, ok, err := store.Get("hashed-token")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Fatal("expected already-expired session not to be stored")
	}
}

func TestSessionManagerWorksAgainstRedisStore(t *testing.T) {
	store := newRedisSessionFixture(t)

	manager := NewSessionManager(time.Hour, WithStore(store))
	token, _, err := manager.Create("admin-1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	userID, _, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if !ok || userID != "admin-1" {
		t.Fatalf("expected valid session for admin-1, got ok=%v user=%q", ok, userID)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("expected revoked token to fail validation")
	}
}
