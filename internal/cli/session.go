package cli

import (
	"context"
	"net/http"
	"os"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/auth"
	"github.com/dl-alexandre/gdmirror/internal/config"
	"github.com/dl-alexandre/gdmirror/internal/mirror"
	"github.com/dl-alexandre/gdmirror/internal/mirror/index"
	"github.com/dl-alexandre/gdmirror/internal/resolver"
)

// remoteStore is a Drive backend that can both mirror and resolve paths
type remoteStore interface {
	mirror.RemoteStore
	resolver.Finder
}

// remoteSession is an authorized connection to Drive
type remoteSession struct {
	store     remoteStore
	keys      *api.ResourceKeyManager
	refresher api.Refresher
	source    string
}

// openRemote connects to Drive; tests replace it with an in-memory store
var openRemote = func(ctx context.Context, cfg *config.Config, driveID string) (*remoteSession, error) {
	mgr := newAuthManager(cfg)
	provider, err := mgr.TokenProvider(ctx, globalFlags.Account, authSources(cfg))
	if err != nil {
		return nil, err
	}

	svcOpts := auth.ServiceOptions{RequestTimeout: cfg.GetRequestTimeout()}
	if debugTransport != nil {
		svcOpts.Wrap = func(base http.RoundTripper) http.RoundTripper {
			debugTransport.Base = base
			return debugTransport
		}
	}
	service, err := auth.NewDriveService(ctx, provider, svcOpts)
	if err != nil {
		return nil, err
	}

	keys := api.NewResourceKeyManager()
	store := api.NewDriveStore(service, api.DriveStoreOptions{
		DriveID: driveID,
		Keys:    keys,
		Logger:  logger,
	})
	return &remoteSession{store: store, keys: keys, refresher: provider, source: provider.Source()}, nil
}

func newAuthManager(cfg *config.Config) *auth.Manager {
	return auth.NewManager(getConfigDir(), auth.ManagerOptions{
		UseKeyring: cfg.UseKeyring,
		Logger:     logger,
	})
}

func authSources(cfg *config.Config) auth.Sources {
	return auth.Sources{
		StaticToken:     os.Getenv(config.EnvPrefix + "ACCESS_TOKEN"),
		CredentialsFile: cfg.CredentialsFile,
		Impersonate:     os.Getenv(config.EnvPrefix + "IMPERSONATE"),
		TokenFile:       cfg.TokenFile,
	}
}

func openIndex() (*index.DB, error) {
	return index.Open(index.DefaultPath(getConfigDir()))
}
