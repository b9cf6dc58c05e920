package common

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mrand "math/rand"
	"time"
)

// Version выставляется через -ldflags "-X integrations/internal/application/common.Version=..."
var Version = "0.1.0"

const maxBackoff = 30 * time.Minute

func PgInterval(d time.Duration) string {
	sec := int64(d / time.Second)
	return fmt.Sprintf("%d seconds", sec)
}

// NextBackoffWithJitter: base = 1s * 2^attempts (не больше 30m), результат в [base/2, base).
func NextBackoffWithJitter(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}

	base := time.Second << attempts
	if base > maxBackoff {
		base = maxBackoff
	}

	jitter := time.Duration(mrand.Int63n(int64(base / 2)))

	return base/2 + jitter
}

// Jitter добавляет к периоду опроса до 20% случайной задержки,
// чтобы реплики не опрашивали таблицы синхронно.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d / 5)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(mrand.Int63n(spread))
}

func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer func() {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
	}()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RandomToken - криптостойкая строка для OAuth state.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
