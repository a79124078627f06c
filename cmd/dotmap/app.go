package main

import (
	"context"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/dotmap/internal/clientstate"
	"github.com/MarcoPoloResearchLab/dotmap/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/dotmap/internal/config"
	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"github.com/MarcoPoloResearchLab/dotmap/internal/logging"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/MarcoPoloResearchLab/dotmap/internal/storeclient"
	"github.com/MarcoPoloResearchLab/dotmap/internal/view"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the wired client for one command invocation.
type app struct {
	config   config.ClientConfig
	logger   *zap.Logger
	session  *mapsync.Session
	identity identity.Scheme
	terminal *view.Terminal
	out      io.Writer
	closers  []func()
}

// persistingAuthenticator remembers every new anonymous account in the local state file.
type persistingAuthenticator struct {
	client *storeclient.Client
	state  *clientstate.Store
	logger *zap.Logger
}

func (a *persistingAuthenticator) SignInAnonymously(ctx context.Context) (identity.Account, error) {
	account, err := a.client.SignInAnonymously(ctx)
	if err != nil {
		return identity.Account{}, err
	}
	if err := a.state.SaveAccount(ctx, account); err != nil {
		a.logger.Warn("account save failed", zap.Error(err))
	}
	a.logger.Info("signed in anonymously", zap.String("user_id", account.UserID))
	return account, nil
}

func (a *persistingAuthenticator) CurrentAccount() (identity.Account, bool) {
	return a.client.CurrentAccount()
}

func openApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	application := &app{
		config:   cfg,
		logger:   logger,
		terminal: view.NewTerminal(cmd.OutOrStdout()),
		out:      cmd.OutOrStdout(),
	}
	application.closers = append(application.closers, func() { _ = logger.Sync() })

	state, err := clientstate.Open(cfg.StatePath, logger)
	if err != nil {
		application.close()
		return nil, err
	}
	application.closers = append(application.closers, func() {
		if closeErr := state.Close(); closeErr != nil {
			logger.Warn("state close failed", zap.Error(closeErr))
		}
	})

	var (
		store         mapsync.DocumentStore
		authenticator identity.Authenticator
	)
	switch cfg.StoreBackend {
	case config.StoreBackendFirestore:
		cloudStore, openErr := cloudstore.Open(ctx, cloudstore.Config{
			ProjectID:       cfg.FirestoreProjectID,
			CredentialsFile: cfg.FirestoreCredentialsFile,
			Logger:          logger,
		})
		if openErr != nil {
			application.close()
			return nil, openErr
		}
		application.closers = append(application.closers, func() {
			if closeErr := cloudStore.Close(); closeErr != nil {
				logger.Warn("firestore close failed", zap.Error(closeErr))
			}
		})
		store = cloudStore
	default:
		client, newErr := storeclient.New(storeclient.Config{BaseURL: cfg.APIBaseURL, Logger: logger})
		if newErr != nil {
			application.close()
			return nil, newErr
		}
		account, ok, loadErr := state.LoadAccount(ctx)
		if loadErr != nil {
			logger.Warn("account load failed", zap.Error(loadErr))
		} else if ok {
			client.RestoreSession(account)
		}
		store = client
		authenticator = &persistingAuthenticator{client: client, state: state, logger: logger}
	}

	session, err := mapsync.NewSession(mapsync.SessionConfig{
		Store:          store,
		Logger:         logger,
		DuplicateGuard: cfg.MarkerDedupe,
	})
	if err != nil {
		application.close()
		return nil, err
	}
	application.session = session
	// Subscriptions must be disposed before the store and state are closed.
	application.closers = append(application.closers, session.Close)

	geolocator := currentGeolocator(cmd)
	switch cfg.IdentityScheme {
	case config.IdentitySchemeOwnership:
		application.identity, err = identity.NewOwnershipIdentity(identity.OwnershipConfig{
			Session:       session,
			Authenticator: authenticator,
			Geolocator:    geolocator,
			Logger:        logger,
		})
	default:
		application.identity, err = identity.NewCookieIdentity(identity.CookieConfig{
			Session:    session,
			Tokens:     state,
			Geolocator: geolocator,
			Logger:     logger,
		})
	}
	if err != nil {
		application.close()
		return nil, err
	}
	return application, nil
}

// close runs the closers in reverse order of registration.
func (a *app) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
	a.closers = nil
}

func currentGeolocator(cmd *cobra.Command) identity.Geolocator {
	flags := cmd.Flags()
	if !flags.Changed("lat") || !flags.Changed("lng") {
		return identity.NewUnavailableGeolocator()
	}
	return identity.NewStaticGeolocator(mapsync.Position{Lat: latitude, Lng: longitude})
}

func selectedScope() (mapsync.Scope, error) {
	if communityID == "" {
		return mapsync.GlobalScope(), nil
	}
	return mapsync.CommunityScope(communityID)
}

// selectAndWait subscribes to scope and blocks until its first snapshot arrives.
func (a *app) selectAndWait(ctx context.Context, scope mapsync.Scope) (mapsync.Snapshot, error) {
	if err := a.session.Select(ctx, scope); err != nil {
		return mapsync.Snapshot{}, err
	}
	snapshot, err := a.session.AwaitSnapshot(ctx)
	if err != nil {
		return mapsync.Snapshot{}, fmt.Errorf("wait for %s: %w", scope, err)
	}
	return snapshot, nil
}

func (a *app) render(ctx context.Context, snapshot mapsync.Snapshot) error {
	myDotID := ""
	if marker, ok := a.identity.MyDot(ctx); ok {
		myDotID = marker.ID
	}
	return a.terminal.Render(snapshot, myDotID)
}

// withApp opens the client, selects the scope from the flags, and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, application *app) error) error {
	application, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer application.close()

	scope, err := selectedScope()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if _, err := application.selectAndWait(ctx, scope); err != nil {
		return err
	}
	return fn(ctx, application)
}
