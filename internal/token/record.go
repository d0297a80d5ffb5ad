// Package token persists the single authenticated user's credentials and
// decides when the access token must be refreshed.
package token

import "time"

// Record is the persisted credential set for the authenticated user.
type Record struct {
	AccessToken  string `json:"access_token" firestore:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" firestore:"refresh_token,omitempty"`
	// ExpiresAt is a Unix timestamp in milliseconds.
	ExpiresAt int64  `json:"expires_at" firestore:"expires_at"`
	UserID    int64  `json:"user_id,omitempty" firestore:"user_id,omitempty"`
	ShopID    int64  `json:"shop_id,omitempty" firestore:"shop_id,omitempty"`
	ShopName  string `json:"shop_name,omitempty" firestore:"shop_name,omitempty"`
}

// Expiry returns ExpiresAt as a time.
func (r *Record) Expiry() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// ValidAt reports whether the access token is still usable at now.
// A record expiring exactly at now is expired.
func (r *Record) ValidAt(now time.Time) bool {
	return r.AccessToken != "" && r.ExpiresAt > now.UnixMilli()
}

// Grant is the result of a token-endpoint exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
	UserID       int64
}

// Update is a partial record passed to Store.Save. Zero-valued fields keep
// the stored value unless Replace is set.
type Update struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds; 0 keeps the previous expiry
	UserID       int64
	ShopID       int64
	ShopName     string

	// Replace discards the stored record instead of merging into it. Used
	// when a new authorization completes.
	Replace bool
}

// merge applies u on top of prev (which may be nil) at now.
func (u Update) merge(prev *Record, now time.Time) *Record {
	next := &Record{}
	if prev != nil && !u.Replace {
		*next = *prev
	}

	if u.AccessToken != "" {
		next.AccessToken = u.AccessToken
	}
	if u.RefreshToken != "" {
		next.RefreshToken = u.RefreshToken
	}
	if u.UserID != 0 {
		next.UserID = u.UserID
	}
	if u.ShopID != 0 {
		next.ShopID = u.ShopID
	}
	if u.ShopName != "" {
		next.ShopName = u.ShopName
	}

	switch {
	case u.ExpiresIn > 0:
		next.ExpiresAt = now.UnixMilli() + u.ExpiresIn*1000
	case next.ExpiresAt == 0:
		// No lifetime reported and nothing to keep: treat as already expired.
		next.ExpiresAt = now.UnixMilli()
	}
	return next
}
