package devices

import (
	"context"
	"errors"
	"fotaflow/internal/apperrors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLookup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLookup(client, "fota")
	ctx := context.Background()

	mr.HSet(l.HashKey(), "29a.ch3ckr", `{"deviceId":"dev-1","account":"acme"}`)
	mr.HSet(l.HashKey(), "broken", `{`)

	d, err := l.ByFingerprint(ctx, "29a.ch3ckr")
	if err != nil {
		t.Fatalf("ByFingerprint() error = %v", err)
	}
	if d.ID != "dev-1" || d.Account != "acme" {
		t.Errorf("got %+v", d)
	}

	if _, err := l.ByFingerprint(ctx, "unknown"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown fingerprint: error = %v", err)
	}
	if _, err := l.ByFingerprint(ctx, "broken"); !errors.Is(err, apperrors.ErrInternal) {
		t.Errorf("broken record: error = %v", err)
	}
}
