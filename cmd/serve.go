package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	goswcache "github.com/dgduncan/go-sw-cache"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching forward proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s, newLogger(s.LogLevel))
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "proxy listen address")
	flags.String("manifest", "", "path to the precache manifest JSON")
	flags.String("api-base", "", "REST API base url")
	flags.String("origin", "", "application origin")
	flags.Duration("network-timeout", 0, "NetworkFirst timeout before falling back to the cache, 0 waits")
	_ = v.BindPFlag(keyListen, flags.Lookup("listen"))
	_ = v.BindPFlag(keyManifest, flags.Lookup("manifest"))
	_ = v.BindPFlag(keyAPIBase, flags.Lookup("api-base"))
	_ = v.BindPFlag(keyOrigin, flags.Lookup("origin"))
	_ = v.BindPFlag(keyNetworkTimeout, flags.Lookup("network-timeout"))

	return cmd
}

// newTransport wires the recipe routes over storage, resumes the version
// recorded in storage and installs the build manifest when one is configured.
func newTransport(ctx context.Context, s *settings, storage goswcache.Storage, reg prometheus.Registerer, network http.RoundTripper, logger *slog.Logger) (*goswcache.CacheTransport, error) {
	api, origin, err := s.urls()
	if err != nil {
		return nil, err
	}

	router, err := goswcache.NewRouter(goswcache.DefaultRoutes(api, origin)...)
	if err != nil {
		return nil, err
	}

	opts := goswcache.DefaultConfig()
	opts.Scope = origin
	opts.AppShell = s.AppShell
	opts.NetworkTimeout = s.NetworkTimeout
	opts.PrecacheConcurrency = s.PrecacheConcurrency
	opts.Metrics = goswcache.NewMetrics(reg)

	tr := goswcache.New(storage, router, &opts, nil, logger)(network)

	restored, err := tr.Controller().Restore(ctx)
	if err != nil {
		logger.WarnContext(ctx, "error restoring previous version", "error", err)
	} else if restored != nil {
		logger.InfoContext(ctx, "resumed previous version", "version", restored.ID, "assets", len(restored.Manifest))
	}

	if s.Manifest == "" {
		if restored == nil {
			logger.WarnContext(ctx, "no manifest configured, requests pass through until one is installed")
		}
		return tr, nil
	}

	f, err := os.Open(s.Manifest)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := goswcache.LoadManifest(f)
	if err != nil {
		return nil, err
	}

	v, err := tr.Controller().Install(ctx, m)
	if err != nil {
		// the proxy still forwards everything without an active version
		logger.WarnContext(ctx, "install failed", "error", err)
		return tr, nil
	}

	logger.InfoContext(ctx, "version installed", "version", v.ID, "state", v.State().String(), "assets", len(m))
	return tr, nil
}

func serve(ctx context.Context, s *settings, logger *slog.Logger) error {
	storage, release, err := openStorage(ctx, s, logger)
	if err != nil {
		return err
	}
	defer release()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tr, err := newTransport(ctx, s, storage, reg, http.DefaultTransport, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           newProxyHandler(tr, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting proxy", "addr", s.Listen, "backend", s.Backend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.InfoContext(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down proxy", "error", err)
	}

	tr.Wait()
	logger.Info("shutdown complete")

	return nil
}
