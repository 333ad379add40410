package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"authbroker/internal/config"
	"authbroker/internal/persist"
	"authbroker/internal/provider"
	"authbroker/internal/registry"
	"authbroker/internal/token"
	"authbroker/pkg/oauth"
)

// broker bundles everything a subcommand needs: the loaded config, the
// provider registry with one flow engine per configured provider, and the
// shared loopback callback server.
type broker struct {
	configDir string
	cfg       config.Config
	registry  *registry.Registry
	callback  *provider.Loopback
}

// newBroker loads the config and brings up an engine per configured
// provider. Engines whose client was registered dynamically have their
// client_id written back to the config so the registration is reused.
func newBroker(ctx context.Context) (*broker, error) {
	dir := configDir
	if dir == "" {
		var err error
		dir, err = config.DefaultDir()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured in %s/config.yaml", dir)
	}

	callback := provider.NewLoopback(cfg.CallbackPort)
	if err := callback.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}

	b := &broker{
		configDir: dir,
		cfg:       cfg,
		registry:  registry.New(),
		callback:  callback,
	}

	discoverer := oauth.NewDiscoverer()

	configDirty := false
	for _, pc := range cfg.Providers {
		metadata := pc.Metadata()
		if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
			discovered, err := discoverer.Discover(ctx, pc.Issuer)
			if err != nil {
				b.close()
				return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			metadata = discovered
		}

		sink, err := persist.NewFile(config.TokensPath(dir, pc.ID))
		if err != nil {
			b.close()
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}

		initial, err := sink.Load()
		if err != nil {
			slog.Warn("ignoring unreadable token file",
				"provider", pc.ID,
				"error", err,
			)
		}

		store := token.NewStore(initial, sink)
		engine, err := provider.New(ctx, provider.Config{
			Metadata: metadata,
			ClientID: pc.ClientID,
			Store:    store,
			Opener:   provider.SystemBrowser{},
			Callback: callback,
		})
		if err != nil {
			store.Close()
			b.close()
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}

		if pc.ClientID == "" {
			b.cfg.SetClientID(pc.ID, engine.ClientRegistration().ClientID)
			configDirty = true
		}

		_, err = b.registry.Register(pc.ID, pc.DisplayLabel(), engine, registry.Options{
			SupportsMultipleAccounts: true,
			SupportedIssuers:         []string{pc.Issuer},
		})
		if err != nil {
			engine.Close()
			b.close()
			return nil, err
		}
	}

	if configDirty {
		if err := config.Save(dir, b.cfg); err != nil {
			slog.Warn("failed to persist registered client ids", "error", err)
		}
	}

	return b, nil
}

func (b *broker) close() {
	b.registry.Close()
	b.callback.Stop()
}
