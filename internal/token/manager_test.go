package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"etsy-mcp/internal/clock"
)

type fakeRefresher struct {
	calls   atomic.Int32
	grant   Grant
	err     error
	gotRT   string
	release chan struct{}
	mu      sync.Mutex
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (Grant, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.gotRT = refreshToken
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return f.grant, f.err
}

func newManager(t *testing.T, r Refresher) (*Manager, *Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := NewStore(&fakeStorage{}, clk, zap.NewNop())
	return NewManager(store, r, zap.NewNop()), store, clk
}

func TestManager_ValidTokenSkipsRefresh(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{}
	m, store, _ := newManager(t, refresher)

	_ = store.Save(ctx, Update{AccessToken: "live", RefreshToken: "r", ExpiresIn: 3600})

	got, ok := m.ValidAccessToken(ctx)
	if !ok || got != "live" {
		t.Fatalf("ValidAccessToken() = %q, %v", got, ok)
	}
	if n := refresher.calls.Load(); n != 0 {
		t.Errorf("refresh called %d times, want 0", n)
	}
}

func TestManager_RefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{grant: Grant{AccessToken: "new", RefreshToken: "r2", ExpiresIn: 3600}}
	m, store, clk := newManager(t, refresher)

	_ = store.Save(ctx, Update{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 60, UserID: 111, ShopID: 42, ShopName: "Acme"})
	clk.Advance(2 * time.Minute)

	got, ok := m.ValidAccessToken(ctx)
	if !ok || got != "new" {
		t.Fatalf("ValidAccessToken() = %q, %v", got, ok)
	}
	if n := refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	if refresher.gotRT != "r1" {
		t.Errorf("refresh token sent = %q, want r1", refresher.gotRT)
	}

	rec := store.GetValid(ctx)
	if rec == nil {
		t.Fatal("refreshed record not stored")
	}
	want := Record{
		AccessToken:  "new",
		RefreshToken: "r2",
		ExpiresAt:    clk.Now().UnixMilli() + 3600*1000,
		UserID:       111,
		ShopID:       42,
		ShopName:     "Acme",
	}
	if *rec != want {
		t.Errorf("stored record = %+v, want %+v", *rec, want)
	}
}

func TestManager_RefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{grant: Grant{AccessToken: "new", ExpiresIn: 3600}}
	m, store, clk := newManager(t, refresher)

	_ = store.Save(ctx, Update{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 60})
	clk.Advance(time.Hour)

	if _, ok := m.ValidAccessToken(ctx); !ok {
		t.Fatal("expected refresh to succeed")
	}
	if rec := store.GetValid(ctx); rec == nil || rec.RefreshToken != "r1" {
		t.Errorf("refresh token not preserved: %+v", rec)
	}
}

func TestManager_RefreshFailureClearsRecord(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{err: errors.New("invalid_grant")}
	m, store, clk := newManager(t, refresher)

	_ = store.Save(ctx, Update{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 60})
	clk.Advance(2 * time.Minute)

	if got, ok := m.ValidAccessToken(ctx); ok || got != "" {
		t.Fatalf("ValidAccessToken() = %q, %v, want empty", got, ok)
	}
	if store.GetValid(ctx) != nil || store.GetEvenIfExpired(ctx) != nil {
		t.Error("record should be cleared after refresh failure")
	}
}

func TestManager_NoRecordOrRefreshToken(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Store)
	}{
		{"no record", func(*Store) {}},
		{"expired without refresh token", func(s *Store) {
			_ = s.Save(context.Background(), Update{AccessToken: "old"})
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			refresher := &fakeRefresher{}
			m, store, _ := newManager(t, refresher)
			tc.setup(store)

			if _, ok := m.ValidAccessToken(context.Background()); ok {
				t.Error("expected no token")
			}
			if n := refresher.calls.Load(); n != 0 {
				t.Errorf("refresh called %d times, want 0", n)
			}
		})
	}
}

func TestManager_ConcurrentCallersShareRefresh(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{
		grant:   Grant{AccessToken: "new", ExpiresIn: 3600},
		release: make(chan struct{}),
	}
	m, store, clk := newManager(t, refresher)

	_ = store.Save(ctx, Update{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 60})
	clk.Advance(2 * time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.ValidAccessToken(ctx)
		}(i)
	}

	// Let the first refresh start before releasing it.
	deadline := time.Now().Add(2 * time.Second)
	for refresher.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(refresher.release)
	wg.Wait()

	if n := refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	for i, got := range results {
		if got != "new" {
			t.Errorf("caller %d got %q, want new", i, got)
		}
	}
}

func TestManager_StatusAndLogout(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newManager(t, &fakeRefresher{})

	if st := m.Status(ctx); st.HasRecord || st.Authenticated {
		t.Errorf("Status() before login = %+v", st)
	}

	_ = store.Save(ctx, Update{AccessToken: "a", RefreshToken: "r", ExpiresIn: 60, UserID: 9, ShopID: 3, ShopName: "S"})
	st := m.Status(ctx)
	if !st.HasRecord || !st.Authenticated || !st.HasRefreshToken || st.UserID != 9 || st.ShopID != 3 || st.ShopName != "S" {
		t.Errorf("Status() = %+v", st)
	}
	if !st.ExpiresAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", st.ExpiresAt, epoch.Add(time.Minute))
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, ok := m.ValidAccessToken(ctx); ok {
		t.Error("token still valid after Logout")
	}
}

// ctxRefresher fails the way a real exchange does when its context is done.
type ctxRefresher struct {
	calls atomic.Int32
	grant Grant
}

func (f *ctxRefresher) Refresh(ctx context.Context, _ string) (Grant, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Grant{}, fmt.Errorf("token exchange: %w", err)
	}
	return f.grant, nil
}

func TestManager_CancelledCallerKeepsRecord(t *testing.T) {
	refresher := &ctxRefresher{grant: Grant{AccessToken: "new", RefreshToken: "r2", ExpiresIn: 3600}}
	m, store, clk := newManager(t, refresher)

	_ = store.Save(context.Background(), Update{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 60, UserID: 111})
	clk.Advance(2 * time.Minute)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	m.ValidAccessToken(cancelled)

	got, ok := m.ValidAccessToken(context.Background())
	if !ok || got != "new" {
		t.Fatalf("ValidAccessToken() after cancelled caller = %q, %v, want new", got, ok)
	}
	if n := refresher.calls.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	rec := store.GetEvenIfExpired(context.Background())
	if rec == nil || rec.RefreshToken != "r2" || rec.UserID != 111 {
		t.Errorf("stored record = %+v", rec)
	}
}

func TestManager_InterruptedRefreshKeepsRecord(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "canceled", err: fmt.Errorf("token exchange: %w", context.Canceled)},
		{name: "deadline", err: fmt.Errorf("token exchange: %w", context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, store, clk := newManager(t, &fakeRefresher{err: tt.err})

			_ = store.Save(ctx, Update{AccessToken: "old", RefreshToken: "r1", ExpiresIn: 60})
			clk.Advance(2 * time.Minute)

			if got, ok := m.ValidAccessToken(ctx); ok || got != "" {
				t.Errorf("ValidAccessToken() = %q, %v, want empty", got, ok)
			}
			rec := store.GetEvenIfExpired(ctx)
			if rec == nil || rec.RefreshToken != "r1" {
				t.Errorf("stored record = %+v, want refresh token r1 kept", rec)
			}
		})
	}
}
