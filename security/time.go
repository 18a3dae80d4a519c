package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to grant expiry
// checks. It prevents false expirations caused by clock drift between the
// issuing and storing hosts; 5 seconds covers typical NTP drift while
// extending grant lifetime by a negligible amount.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired checks expiry with the default clock skew grace period.
// A zero expiration never expires.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
