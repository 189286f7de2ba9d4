package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portreg/internal/allocator"
	"portreg/internal/authkey"
	"portreg/internal/config"
	"portreg/internal/db"
	"portreg/internal/logger"
	"portreg/internal/metrics"
	"portreg/internal/routing"
	"portreg/internal/store"
)

// flags override the environment for one invocation.
type flags struct {
	listenAddr string
	dbDriver   string
	dbPath     string
	domain     string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "shutdown signal received: %s\n", sig)
		cancel()
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:          "portreg",
		Short:        "Port registry and reverse-proxy config generator for tunnelled devices",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.dbDriver, "db-driver", "", "store driver: sqlite, postgres or memory (env "+config.EnvDBDriver+")")
	root.PersistentFlags().StringVar(&f.dbPath, "db-path", "", "sqlite database file (env "+config.EnvDBPath+")")
	root.PersistentFlags().StringVar(&f.domain, "domain", "", "domain suffix of device hostnames (env "+config.EnvDomainName+")")

	root.AddCommand(newServeCommand(&f), newRenderCommand(&f), newPortsCommand(&f))
	return root
}

// app is what every command needs: configuration, a logger and an open
// store.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	store   store.Store
	metrics *metrics.Metrics
}

func setup(ctx context.Context, cmd *cobra.Command, f *flags) (*app, error) {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, f, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	if envErr != nil {
		log.Debug().Msg("no .env file found")
	}

	st, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, log: log, store: st, metrics: metrics.New()}, nil
}

func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) {
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}

	if changed("listen") {
		cfg.ListenAddr = f.listenAddr
	}
	if changed("db-driver") {
		cfg.Database.Driver = f.dbDriver
	}
	if changed("db-path") {
		cfg.Database.Path = f.dbPath
	}
	if changed("domain") {
		cfg.Proxy.DomainName = f.domain
	}
}

func (a *app) engine() *allocator.Engine {
	var fwd authkey.Forwarder = authkey.Nop{}
	if a.cfg.AuthorizeKey.Host != "" {
		fwd = authkey.NewHTTPForwarder(a.cfg.AuthorizeKey.Host, a.cfg.AuthorizeKey.Port, a.cfg.AuthorizeKey.Timeout)
	} else {
		a.log.Warn().Msg(config.EnvAuthorizeKeyHost + " not set, device keys will not be forwarded")
	}
	return allocator.New(a.store, allocator.OptionsFromConfig(a.cfg), fwd, a.metrics, a.log)
}

func (a *app) generator() *routing.Generator {
	return routing.New(a.store, routing.OptionsFromConfig(a.cfg.Proxy), a.metrics, a.log)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("closing store")
	}
}
