package token

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"etsy-mcp/internal/clock"
)

// Store owns the read/write path of the token record. Every read goes to the
// backing storage; nothing is cached in memory.
type Store struct {
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	storage  Storage
	disabled bool
	degraded sync.Once

	// writeMu serializes read-modify-write cycles within this process.
	writeMu sync.Mutex
}

// NewStore returns a Store over storage. Pass the result of SelectStorage
// so an unwritable backend is detected at startup.
func NewStore(storage Storage, clk clock.Clock, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	_, isNull := storage.(NullStorage)
	return &Store{
		clock:    clk,
		logger:   logger,
		storage:  storage,
		disabled: isNull,
	}
}

// Disabled reports whether persistence has been turned off.
func (s *Store) Disabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled
}

func (s *Store) backend() Storage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storage
}

// degrade switches the store to NullStorage for the rest of the process.
func (s *Store) degrade(err error) {
	s.degraded.Do(func() {
		s.mu.Lock()
		s.storage = NullStorage{}
		s.disabled = true
		s.mu.Unlock()
		s.logger.Warn("token storage became unavailable, credentials will not be persisted", zap.Error(err))
	})
}

// read returns the stored record or nil. Failures are logged, never returned.
func (s *Store) read(ctx context.Context) *Record {
	rec, err := s.backend().Read(ctx)
	switch {
	case err == nil:
		return rec
	case errors.Is(err, ErrNotFound):
		return nil
	case IsUnavailable(err):
		s.degrade(err)
		return nil
	default:
		s.logger.Warn("failed to read token record", zap.Error(err))
		return nil
	}
}

// GetValid returns the stored record if its access token has not expired.
func (s *Store) GetValid(ctx context.Context) *Record {
	rec := s.read(ctx)
	if rec == nil || !rec.ValidAt(s.clock.Now()) {
		return nil
	}
	return rec
}

// GetEvenIfExpired returns the stored record regardless of expiry.
func (s *Store) GetEvenIfExpired(ctx context.Context) *Record {
	return s.read(ctx)
}

// Save merges u into the stored record and writes it back. When the backend
// turns out to be unwritable the store degrades and Save returns nil.
func (s *Store) Save(ctx context.Context, u Update) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var prev *Record
	if !u.Replace {
		prev = s.read(ctx)
	}
	return s.write(ctx, u.merge(prev, s.clock.Now()))
}

// SetDefaultShop records the default shop without touching token fields.
func (s *Store) SetDefaultShop(ctx context.Context, shopID int64, shopName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := s.read(ctx)
	if rec == nil {
		return ErrNotAuthenticated
	}
	rec.ShopID = shopID
	rec.ShopName = shopName
	return s.write(ctx, rec)
}

func (s *Store) write(ctx context.Context, rec *Record) error {
	err := s.backend().Write(ctx, rec)
	if IsUnavailable(err) {
		s.degrade(err)
		return nil
	}
	return err
}

// Clear deletes the stored record. It is idempotent.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.backend().Delete(ctx)
	if IsUnavailable(err) {
		s.degrade(err)
		return nil
	}
	return err
}
