package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"etsy-mcp/internal/logging"
	"etsy-mcp/internal/token"
)

// Callback rejection reasons.
const (
	ReasonProviderError    = "provider_error"
	ReasonMissingParameter = "missing_parameter"
	ReasonUnknownState     = "unknown_state"
)

// CallbackError is a callback rejected before any code exchange.
type CallbackError struct {
	Reason string
	Detail string
}

func (e *CallbackError) Error() string {
	switch e.Reason {
	case ReasonProviderError:
		return "authorization was denied by the provider: " + e.Detail
	case ReasonMissingParameter:
		return "callback is missing " + e.Detail
	case ReasonUnknownState:
		return "authorization attempt is unknown or expired; start again"
	default:
		return "invalid callback: " + e.Detail
	}
}

// Authorizer builds consent URLs and exchanges codes. *Exchanger implements it.
type Authorizer interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (token.Grant, error)
}

// ShopLookup finds the user's primary shop for the default-shop preference.
type ShopLookup interface {
	PrimaryShop(ctx context.Context, accessToken string, userID int64) (int64, string, error)
}

// Result is the outcome of one callback that reached the exchange step or
// was rejected.
type Result struct {
	Record *token.Record
	// ShopErr is set when the default shop could not be looked up. The
	// authorization itself still succeeded.
	ShopErr error
	Err     error
}

// FlowConfig configures a Flow.
type FlowConfig struct {
	// ListenAddr is the host:port of the callback listener.
	ListenAddr   string
	CallbackPath string
	Authorizer   Authorizer
	States       *StateStore
	Store        *token.Store
	// Shops is optional.
	Shops  ShopLookup
	Logger *zap.Logger
}

// Flow is the local callback listener driving interactive authorization.
type Flow struct {
	listenAddr   string
	callbackPath string
	authorizer   Authorizer
	states       *StateStore
	store        *token.Store
	shops        ShopLookup
	logger       *zap.Logger
	results      chan Result

	mu        sync.Mutex
	server    *http.Server
	stopSweep context.CancelFunc
	running   bool
}

// NewFlow returns a Flow. It does not bind the listener until Start.
func NewFlow(cfg FlowConfig) *Flow {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	states := cfg.States
	if states == nil {
		states = NewStateStore(nil)
	}
	path := cfg.CallbackPath
	if path == "" {
		path = "/oauth/callback"
	}
	return &Flow{
		listenAddr:   cfg.ListenAddr,
		callbackPath: path,
		authorizer:   cfg.Authorizer,
		states:       states,
		store:        cfg.Store,
		shops:        cfg.Shops,
		logger:       logger.Named("oauth"),
		results:      make(chan Result, 1),
	}
}

// AuthURL is the local URL the user should open to begin authorization.
func (f *Flow) AuthURL() string {
	return "http://" + f.listenAddr + "/auth"
}

// Results delivers the outcome of each callback. Outcomes nobody reads are
// dropped.
func (f *Flow) Results() <-chan Result {
	return f.results
}

// Handler returns the callback listener's routes.
func (f *Flow) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", f.handleAuth)
	mux.HandleFunc("GET "+f.callbackPath, f.handleCallback)
	return mux
}

// Start binds the callback listener. It is idempotent, and a port already
// bound by another process is treated as a listener that is already running.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}

	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			f.logger.Info("callback listener address in use, assuming it is already running",
				zap.String("addr", f.listenAddr))
			f.running = true
			return nil
		}
		return fmt.Errorf("failed to start callback listener on %s: %w", f.listenAddr, err)
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go f.states.Run(sweepCtx, SweepInterval)

	f.server = &http.Server{
		Handler:           f.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	f.stopSweep = cancel
	f.running = true

	srv := f.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("callback listener stopped", zap.Error(err))
		}
	}()

	f.logger.Info("callback listener started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Running reports whether Start has succeeded and Shutdown has not been called.
func (f *Flow) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Shutdown stops the listener and the state sweep.
func (f *Flow) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	srv, cancel := f.server, f.stopSweep
	f.server, f.stopSweep = nil, nil
	f.running = false
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Begin registers a new attempt and returns the provider consent URL.
func (f *Flow) Begin() (string, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return "", err
	}
	state, err := NewState()
	if err != nil {
		return "", err
	}
	if err := f.states.Put(state, pkce.Verifier); err != nil {
		return "", err
	}
	return f.authorizer.AuthCodeURL(state, pkce.Verifier), nil
}

func (f *Flow) handleAuth(w http.ResponseWriter, r *http.Request) {
	consentURL, err := f.Begin()
	if err != nil {
		f.logger.Error("failed to begin authorization", zap.Error(err))
		renderFailure(w, f.logger, err)
		return
	}
	f.logger.Info("redirecting to provider consent page")
	http.Redirect(w, r, consentURL, http.StatusFound)
}

func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	res := f.complete(r.Context(), r)
	f.publish(res)

	if res.Err != nil {
		f.logger.Warn("authorization callback failed", zap.Error(res.Err))
		renderFailure(w, f.logger, res.Err)
		return
	}

	rec := res.Record

	f.logger.Info("authorization completed",
		zap.Int64("user_id", rec.UserID),
		zap.Int64("shop_id", rec.ShopID),
		zap.String("access_token", logging.Redact(rec.AccessToken)),
		zap.Bool("refresh_token_present", rec.RefreshToken != ""))
	renderSuccess(w, f.logger, rec.ShopName, !f.store.Disabled())
}

// complete validates the callback, exchanges the code and persists the record.
func (f *Flow) complete(ctx context.Context, r *http.Request) Result {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		detail := e
		if desc := q.Get("error_description"); desc != "" {
			detail += ": " + desc
		}
		return Result{Err: &CallbackError{Reason: ReasonProviderError, Detail: detail}}
	}

	state, code := q.Get("state"), q.Get("code")
	switch {
	case state == "":
		return Result{Err: &CallbackError{Reason: ReasonMissingParameter, Detail: "state"}}
	case code == "":
		return Result{Err: &CallbackError{Reason: ReasonMissingParameter, Detail: "code"}}
	}

	verifier, err := f.states.Consume(state)
	if err != nil {
		return Result{Err: &CallbackError{Reason: ReasonUnknownState, Detail: err.Error()}}
	}

	grant, err := f.authorizer.Exchange(ctx, code, verifier)
	if err != nil {
		return Result{Err: err}
	}

	update := token.Update{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
		UserID:       grant.UserID,
		Replace:      true,
	}

	var shopErr error
	if f.shops != nil {
		shopID, shopName, err := f.shops.PrimaryShop(ctx, grant.AccessToken, grant.UserID)
		if err != nil {
			shopErr = err
			f.logger.Warn("default shop lookup failed, leaving it unset", zap.Error(err))
		} else {
			update.ShopID, update.ShopName = shopID, shopName
		}
	}

	if err := f.store.Save(ctx, update); err != nil {
		return Result{ShopErr: shopErr, Err: fmt.Errorf("failed to save token: %w", err)}
	}

	rec := f.store.GetEvenIfExpired(ctx)
	if rec == nil {
		// Persistence is disabled; report what would have been stored.
		rec = &token.Record{
			AccessToken:  update.AccessToken,
			RefreshToken: update.RefreshToken,
			UserID:       update.UserID,
			ShopID:       update.ShopID,
			ShopName:     update.ShopName,
		}
	}
	return Result{Record: rec, ShopErr: shopErr}
}

func (f *Flow) publish(res Result) {
	select {
	case f.results <- res:
	default:
		f.logger.Debug("dropping unread authorization result")
	}
}
