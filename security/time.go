package security

import "time"

// DefaultClockSkewGracePeriod absorbs NTP drift between the server and its
// storage/collaborators when checking token expiry. Tokens remain usable up
// to this long past their nominal expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// Expired checks expiresAt against now in UTC with the default grace period.
// A zero expiresAt means no expiration.
func Expired(expiresAt time.Time) bool {
	return ExpiredWithGrace(expiresAt, DefaultClockSkewGracePeriod)
}

// ExpiredWithGrace checks expiry with a custom grace period.
func ExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(expiresAt.Add(grace))
}
