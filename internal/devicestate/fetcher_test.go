package devicestate

import (
	"context"
	"errors"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/firmware"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const reportedShadow = `{
	"14204:1.0": {"0": {"0": "352656100000000", "2": "mfw_nrf9160_1.3.1", "3": "2.0.0", "99": 1700000000}},
	"14401:1.0": {"0": {"0": ["BOOT", "MODEM", "APP"]}}
}`

func TestParseShadow(t *testing.T) {
	t.Parallel()
	got, err := ParseShadow([]byte(reportedShadow))
	if err != nil {
		t.Fatalf("ParseShadow() error = %v", err)
	}
	if got.AppVersion != "2.0.0" {
		t.Errorf("AppVersion = %q", got.AppVersion)
	}
	if got.ModemVersion != "mfw_nrf9160_1.3.1" {
		t.Errorf("ModemVersion = %q", got.ModemVersion)
	}
	if !got.Supports(firmware.TargetApp) || !got.Supports(firmware.TargetModem) {
		t.Errorf("SupportedTargets = %v", got.SupportedTargets)
	}
}

func TestParseShadowWithoutObjectVersion(t *testing.T) {
	t.Parallel()
	got, err := ParseShadow([]byte(`{"14204": {"0": {"3": "1.1.0"}}, "14401": {"0": {"0": ["APP"]}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.AppVersion != "1.1.0" || got.ModemVersion != "" {
		t.Errorf("got %+v", got)
	}
}

func TestParseShadowErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		kind apperrors.Kind
	}{
		{"no fota object", `{"14204:1.0": {"0": {"3": "1.0.0"}}}`, apperrors.UnsupportedTarget},
		{"empty fota types", `{"14401:1.0": {"0": {"0": []}}}`, apperrors.UnsupportedTarget},
		{"not json", `nope`, apperrors.DeviceStateUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseShadow([]byte(tt.doc))
			if !errors.Is(err, tt.kind) {
				t.Errorf("error = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestRedisFetcher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	f := NewRedisFetcher(client, "fota")
	ctx := context.Background()

	if _, err := f.Fetch(ctx, "dev-1"); !errors.Is(err, apperrors.DeviceStateUnavailable) {
		t.Fatalf("Fetch() on unknown device: error = %v", err)
	}

	if err := mr.Set(f.StateKey("dev-1"), reportedShadow); err != nil {
		t.Fatal(err)
	}
	got, err := f.Fetch(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.AppVersion != "2.0.0" {
		t.Errorf("AppVersion = %q", got.AppVersion)
	}
}
