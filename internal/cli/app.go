package cli

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"etsy-mcp/internal/clock"
	"etsy-mcp/internal/config"
	"etsy-mcp/internal/etsy"
	"etsy-mcp/internal/logging"
	"etsy-mcp/internal/oauth"
	"etsy-mcp/internal/token"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *token.Store
	tokens  *token.Manager
	etsy    *etsy.Client
	flow    *oauth.Flow
	closers []func()
}

// newApp loads configuration and builds the component graph. The callback
// listener is created but not started.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		File:        cfg.LogFile,
		Stderr:      os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, closeLog)

	primary, closeStorage := openStorage(ctx, cfg, logger)
	if closeStorage != nil {
		a.closers = append(a.closers, closeStorage)
	}
	a.store = token.NewStore(token.SelectStorage(ctx, primary, logger), clock.Real{}, logger)

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		a.close()
		return nil, err
	}

	exchanger := oauth.NewExchanger(oauth.ExchangerConfig{
		ClientID:    cfg.APIKey,
		AuthURL:     cfg.AuthURL,
		TokenURL:    cfg.TokenURL,
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
	})
	a.tokens = token.NewManager(a.store, exchanger, logger)
	a.etsy = etsy.New(etsy.Options{
		BaseURL:   cfg.APIBaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Logger:    logger,
	})
	a.flow = oauth.NewFlow(oauth.FlowConfig{
		ListenAddr:   listenAddr,
		CallbackPath: cfg.CallbackPath(),
		Authorizer:   exchanger,
		Store:        a.store,
		Shops:        a.etsy,
		Logger:       logger,
	})

	logger.Debug("configuration loaded",
		zap.String("token_backend", cfg.TokenBackend),
		zap.String("listen_addr", listenAddr),
		zap.String("redirect_uri", cfg.RedirectURI),
		zap.Strings("scopes", cfg.Scopes))
	return a, nil
}

// openStorage returns the configured token backend. A Firestore client that
// cannot be created leaves the process running without persistence.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (token.Storage, func()) {
	if cfg.TokenBackend != config.BackendFirestore {
		return token.NewFileStorage(cfg.TokenPath), nil
	}
	fs, err := token.NewFirestoreStorage(ctx, cfg.FirestoreProject, cfg.FirestoreCollection, cfg.FirestoreDocument, cfg.ClientOptions()...)
	if err != nil {
		logger.Warn("firestore token storage unavailable, credentials will not be persisted", zap.Error(err))
		return token.NullStorage{}, nil
	}
	return fs, func() {
		if err := fs.Close(); err != nil {
			logger.Debug("failed to close firestore client", zap.Error(err))
		}
	}
}

// close stops the listener and releases every resource in reverse order.
func (a *app) close() {
	if a.flow != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.flow.Shutdown(ctx); err != nil {
			a.logger.Debug("callback listener shutdown", zap.Error(err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
