package models

import "time"

// Lease is a time-bounded single-owner claim on a named resource.
type Lease struct {
	Name            string    `bson:"_id" json:"name"`
	Owner           string    `bson:"owner" json:"owner"`
	AcquiredAt      time.Time `bson:"acquiredAt" json:"acquired_at"`
	ExpiresAt       time.Time `bson:"expiresAt" json:"expires_at"`
	LastRefreshedAt time.Time `bson:"lastRefreshedAt" json:"last_refreshed_at"`
}

func (Lease) CollectionName() string {
	return "sync_leases"
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Stale reports whether the holder has not refreshed within staleAfter.
func (l *Lease) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(l.LastRefreshedAt) > staleAfter
}
