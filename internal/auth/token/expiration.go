package token

import (
	"fmt"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
)

// EstimateExpiration derives the local expiry estimate of a token issued at
// createdAt and valid for expiresIn seconds. Without a timestamp or a
// positive lifetime the estimate is unknown. A token is expired from the
// instant it reaches its expiry time.
func EstimateExpiration(createdAt *time.Time, expiresIn int, now time.Time) credential.ExpirationStatus {
	if createdAt == nil || expiresIn <= 0 {
		return credential.ExpirationStatus{}
	}

	created := *createdAt
	expiresAt := created.Add(time.Duration(expiresIn) * time.Second)
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	return credential.ExpirationStatus{
		HasExpiration: true,
		CreatedAt:     &created,
		ExpiresAt:     &expiresAt,
		IsExpired:     !now.Before(expiresAt),
		RemainingTime: remaining,
	}
}

// FormatRemaining renders a remaining lifetime for humans, e.g. "2d 3h 4m".
// nil means unknown.
func FormatRemaining(d *time.Duration) string {
	if d == nil {
		return "unknown"
	}
	total := *d
	if total < 0 {
		total = 0
	}

	days := int(total / (24 * time.Hour))
	hours := int(total/time.Hour) % 24
	minutes := int(total/time.Minute) % 60
	seconds := int(total/time.Second) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
