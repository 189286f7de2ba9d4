package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"portreg/internal/handlers"
	"portreg/internal/routing"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registration and routing API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := setup(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer a.close()

			engine := a.engine()
			defer engine.Drain()

			if a.cfg.Proxy.DomainName == "" {
				a.log.Warn().Msg("DOMAIN_NAME not set, /api/traefik will fail")
			}

			h := handlers.New(engine, a.generator(), a.store, a.cfg.Proxy.DomainName, a.metrics, a.log)
			if a.cfg.BackupEnabled {
				h.EnableBackup()
			}
			srv := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           h.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", srv.Addr).Msg("server started")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			a.log.Info().Msg("shutting down")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&f.listenAddr, "listen", "", "listen address (env LISTEN_ADDR)")
	return cmd
}

func newRenderCommand(f *flags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the reverse-proxy routing document once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			fmtVal, err := routing.ParseFormat(format)
			if err != nil {
				return err
			}

			a, err := setup(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.generator().GenerateFormat(ctx, a.cfg.Proxy.DomainName, fmtVal)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func newPortsCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Print every device and its assigned ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := setup(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer a.close()

			snapshot, err := a.store.ListDeviceAssignments(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS MAC\tPORT\tPROTOCOL")
			for _, d := range snapshot {
				for _, a := range d.Ports {
					fmt.Fprintln(tw, d.HardwareAddress+"\t"+strconv.Itoa(int(a.Port))+"\t"+a.Protocol.String())
				}
			}
			return tw.Flush()
		},
	}
}
