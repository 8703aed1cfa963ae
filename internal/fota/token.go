package fota

import (
	"encoding/base64"
	"fmt"
	"fotaflow/internal/apperrors"
	"fotaflow/internal/job"
	"strings"

	"github.com/google/uuid"
)

// newToken returns a continuation handle that names the run and the wait
// it resumes. The random suffix makes every registration distinct, so a
// handle from an earlier suspension never matches a later one.
func newToken(executionID string, kind job.WaitKind) string {
	raw := strings.Join([]string{executionID, string(kind), uuid.NewString()}, ":")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// parseToken extracts the run and wait kind from a handle. Malformed
// handles are reported as stale.
func parseToken(token string) (string, job.WaitKind, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("malformed callback token: %w", apperrors.StaleCallback)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", "", fmt.Errorf("malformed callback token: %w", apperrors.StaleCallback)
	}
	kind := job.WaitKind(parts[1])
	if kind != job.WaitJobCompletion && kind != job.WaitVersionApplied {
		return "", "", fmt.Errorf("callback token has unknown wait %q: %w", parts[1], apperrors.StaleCallback)
	}
	return parts[0], kind, nil
}
