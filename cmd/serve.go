package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/credential"
	"github.com/relaycore/ai-gateway/internal/gateway"
	"github.com/relaycore/ai-gateway/internal/inject"
	"github.com/relaycore/ai-gateway/internal/pipeline"
	"github.com/relaycore/ai-gateway/internal/risk"
	"github.com/relaycore/ai-gateway/internal/route"
	"github.com/relaycore/ai-gateway/internal/sanitize"
	"github.com/relaycore/ai-gateway/internal/session"
	"github.com/relaycore/ai-gateway/internal/telemetry"
	"github.com/relaycore/ai-gateway/internal/upstream"
)

// riskEscalationThreshold is the rate-limit observation count per window that
// marks a credential unhealthy instead of merely cooling it down.
const riskEscalationThreshold = 3

var (
	serveHost   string
	servePort   int
	serveConfig string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := runServe(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			var op *net.OpError
			if errors.As(err, &op) && op.Op == "listen" {
				os.Exit(2)
			}
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "", "path to config file")
}

func loadServeConfig() (*config.Config, error) {
	cfg := config.Default()
	if serveConfig != "" {
		loaded, err := config.Load(serveConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	return cfg, nil
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stickyStore credential.StickyStore
	var sticky *session.Sticky
	if cfg.Session.Mode != "disabled" {
		sticky = session.NewSticky(cfg.Session.StickyTTL)
		stickyStore = sticky
	}

	var sink credential.StatsSink
	var credStore *credential.Store
	if cfg.Store.Path != "" {
		var err error
		credStore, err = credential.OpenStore(cfg.Store.Path, cfg.Store.Passphrase)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		defer credStore.Close()
		sink = credStore
	}

	pool := credential.NewPool(credential.NewStrategy(cfg.Pool.Strategy), credential.PoolOptions{
		UnhealthyThreshold: cfg.Pool.UnhealthyThreshold,
		ProbeDelay:         cfg.Pool.ProbeDelay,
		CooldownBase:       cfg.Pool.CooldownBase,
		CooldownCap:        cfg.Pool.CooldownCap,
		StickyMode:         cfg.Session.Mode,
	}, stickyStore, sink)

	if err := seedCredentials(cfg, pool, credStore); err != nil {
		return err
	}

	var guard *sanitize.PairingGuard
	if cfg.Auth.PairingEnabled {
		var err error
		guard, err = sanitize.NewPairingGuard(config.PairingMaxFailures, config.PairingFailureWindow, config.PairingLockout)
		if err != nil {
			return fmt.Errorf("pairing guard: %w", err)
		}
	}

	signatures := session.NewSignatureStore(cfg.Session.SignatureCapacity, cfg.Session.SignatureTTL)
	riskCtl := risk.NewController(pool, time.Minute, riskEscalationThreshold)
	store := telemetry.NewStore(cfg.Telemetry.RequestLogCapacity, cfg.Telemetry.UsageCapacity)
	metrics := telemetry.NewMetricsCollector()

	exec := pipeline.NewExecutor(pipeline.Deps{
		Auth:          gateway.NewAuth(cfg.Auth.APIKey, guard),
		Injector:      inject.New(cfg.Inject),
		Table:         route.NewTable(cfg.Routing),
		Fingerprinter: session.NewFingerprinter(cfg.Session.FingerprintSalt),
		Pool:          pool,
		Client:        upstream.NewClient(),
		Risk:          riskCtl,
		Retry:         cfg.Retry,
		Store:         store,
		Metrics:       metrics,
		Estimator:     telemetry.NewEstimator(),
		Hooks:         []pipeline.Hook{gateway.NewSignatureHook(signatures)},
	})

	srv := gateway.New(gateway.Options{
		Config:     cfg,
		Executor:   exec,
		Pool:       pool,
		Store:      store,
		Metrics:    metrics,
		Guard:      guard,
		Sanitizer:  sanitize.New(config.DefaultRedactionPlaceholder),
		Signatures: signatures,
	})

	done := make(chan struct{})
	defer close(done)
	go riskCtl.Run(done, config.DefaultCleanupInterval)
	go runSweeps(done, sticky, signatures)

	printBanner(cfg, pool, guard)
	return srv.Run(ctx)
}

// seedCredentials loads config-declared credentials into the pool, routing
// them through the encrypted store when one is configured so secrets are
// persisted at rest and stats survive restarts.
func seedCredentials(cfg *config.Config, pool *credential.Pool, credStore *credential.Store) error {
	for _, prov := range cfg.Providers {
		if _, ok := upstream.Lookup(prov.Type); !ok {
			return fmt.Errorf("config: unknown provider type %q", prov.Type)
		}
		for _, entry := range prov.Credentials {
			cred := &credential.Credential{
				ID:       entry.ID,
				Provider: prov.Type,
				Secret:   entry.Secret,
				Refresh:  entry.Refresh,
				BaseURL:  entry.BaseURL,
				Models:   entry.Models,
				ProxyURL: entry.ProxyURL,
				Disabled: entry.Disabled,
				Priority: entry.Priority,
			}
			if cred.ID == "" {
				cred.ID = prov.Type + "-" + uuid.NewString()[:8]
			}
			if cred.BaseURL == "" {
				cred.BaseURL = prov.BaseURL
			}
			if len(cred.Models) == 0 {
				cred.Models = prov.Models
			}
			if credStore != nil {
				if err := credStore.Put(cred); err != nil {
					return fmt.Errorf("persist credential %s: %w", cred.ID, err)
				}
			}
			if err := pool.Add(cred); err != nil {
				return fmt.Errorf("add credential %s: %w", cred.ID, err)
			}
			log.Debug().
				Str("credential_id", cred.ID).
				Str("provider", cred.Provider).
				Str("secret", sanitize.MaskKey(cred.Secret)).
				Msg("credential loaded")
		}

		// pick up credentials persisted in earlier runs but absent from config
		if credStore != nil {
			stored, err := credStore.List(prov.Type)
			if err != nil {
				return fmt.Errorf("list stored credentials for %s: %w", prov.Type, err)
			}
			for _, cred := range stored {
				if err := pool.Add(cred); err == nil {
					log.Debug().
						Str("credential_id", cred.ID).
						Str("provider", cred.Provider).
						Msg("credential restored from store")
				}
			}
		}
	}
	return nil
}

// runSweeps evicts expired sticky pins and stale signatures in the
// background.
func runSweeps(done <-chan struct{}, sticky *session.Sticky, signatures *session.SignatureStore) {
	ticker := time.NewTicker(config.DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if sticky != nil {
				sticky.Sweep()
			}
			signatures.Sweep()
		}
	}
}

func printBanner(cfg *config.Config, pool *credential.Pool, guard *sanitize.PairingGuard) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	bold.Printf("\n%s v%s\n", AppName, Version)
	cyan.Printf("  endpoint:  http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)

	byProvider := map[string]int{}
	for _, snap := range pool.Snapshot() {
		byProvider[snap.Provider]++
	}
	for provider, n := range byProvider {
		cyan.Printf("  provider:  %s (%d credential(s))\n", provider, n)
	}

	switch {
	case guard != nil:
		yellow.Printf("  pairing:   POST /pair with code %s\n", guard.Code())
	case cfg.Auth.APIKey != "":
		cyan.Println("  auth:      static API key")
	default:
		yellow.Println("  auth:      disabled")
	}
	fmt.Println()
}
