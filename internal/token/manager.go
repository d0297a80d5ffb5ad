package token

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// refreshKey is the single-flight key; there is only one token subject.
const refreshKey = "refresh"

// refreshTimeout bounds one refresh exchange. The exchange does not inherit
// the caller's cancellation.
const refreshTimeout = 30 * time.Second

// Refresher exchanges a refresh token for a new grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

// Status is a snapshot of the stored credentials for display.
type Status struct {
	Authenticated   bool
	HasRecord       bool
	HasRefreshToken bool
	ExpiresAt       time.Time
	UserID          int64
	ShopID          int64
	ShopName        string
	StorageDisabled bool
}

// Manager hands out a valid access token, refreshing it when needed. It is
// the gate every authenticated marketplace call goes through.
type Manager struct {
	store     *Store
	refresher Refresher
	logger    *zap.Logger
	group     singleflight.Group
}

// NewManager returns a Manager over store.
func NewManager(store *Store, refresher Refresher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, refresher: refresher, logger: logger}
}

// Store returns the underlying token store.
func (m *Manager) Store() *Store {
	return m.store
}

// ValidAccessToken returns a usable access token. The second result is false
// when the user has to run the authorization flow again. It never fails
// otherwise: refresh errors clear the stored record.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, bool) {
	if rec := m.store.GetValid(ctx); rec != nil {
		return rec.AccessToken, true
	}

	// Concurrent callers share one refresh exchange. It runs detached from
	// ctx so a cancelled caller cannot abort it halfway.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(flightCtx, refreshTimeout)
		defer cancel()
		return m.refresh(rctx), nil
	})
	select {
	case res := <-ch:
		accessToken, _ := res.Val.(string)
		return accessToken, accessToken != ""
	case <-ctx.Done():
		return "", false
	}
}

func (m *Manager) refresh(ctx context.Context) string {
	// Another flight may have refreshed while this caller waited.
	if rec := m.store.GetValid(ctx); rec != nil {
		return rec.AccessToken
	}

	prev := m.store.GetEvenIfExpired(ctx)
	if prev == nil || prev.RefreshToken == "" {
		m.logger.Debug("no refresh token available, authorization required")
		return ""
	}

	grant, err := m.refresher.Refresh(ctx, prev.RefreshToken)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn("token refresh did not complete, keeping stored credentials", zap.Error(err))
		return ""
	}
	if err != nil {
		m.logger.Warn("token refresh failed, clearing stored credentials", zap.Error(err))
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.logger.Error("failed to clear token record after refresh failure", zap.Error(clearErr))
		}
		return ""
	}

	update := Update{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
		UserID:       grant.UserID,
		ShopID:       prev.ShopID,
		ShopName:     prev.ShopName,
	}
	if update.RefreshToken == "" {
		update.RefreshToken = prev.RefreshToken
	}
	if update.UserID == 0 {
		update.UserID = prev.UserID
	}
	if err := m.store.Save(ctx, update); err != nil {
		m.logger.Error("failed to persist refreshed token", zap.Error(err))
	}

	m.logger.Info("access token refreshed", zap.Int64("expires_in", grant.ExpiresIn))
	return grant.AccessToken
}

// Status reports the current credential state.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{StorageDisabled: m.store.Disabled()}
	rec := m.store.GetEvenIfExpired(ctx)
	if rec == nil {
		return st
	}
	st.HasRecord = true
	st.Authenticated = rec.ValidAt(m.store.clock.Now())
	st.HasRefreshToken = rec.RefreshToken != ""
	st.ExpiresAt = rec.Expiry()
	st.UserID = rec.UserID
	st.ShopID = rec.ShopID
	st.ShopName = rec.ShopName
	return st
}

// Logout deletes the stored credentials.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Clear(ctx)
}
