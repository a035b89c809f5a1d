package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/ncobase/guardrail/config"
	"github.com/ncobase/guardrail/extension/plugin"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(configFile *string) *cobra.Command {
	var (
		listen string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the configured plugins and keep them running",
		Long: `Load every plugin under the configured directories, expose Prometheus
metrics and, with --watch, load, reload and unload plugins as their
directories change. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Metrics.Listen = listen
			}
			if cmd.Flags().Changed("watch") {
				cfg.Plugin.Watch = watch
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()
			return serve(cmd.Context(), a)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "metrics listen address (overrides config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch plugin directories (overrides config)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	if _, err := a.loader.LoadAll(ctx); err != nil {
		logger.Warnf(ctx, "some plugins failed to load: %v", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.loader.UnloadAll(uctx); err != nil {
			logger.Errorf(uctx, "unload plugins: %v", err)
		}
	}()

	a.cfg.Watch(func(next *config.Config) {
		if next.Logger != nil {
			logger.StdLogger().SetLevel(logrus.Level(next.Logger.Level))
		}
		logger.Infof(ctx, "config reloaded, log level %s", logger.StdLogger().GetLevel())
	}, func(err error) {
		logger.Warnf(ctx, "%v", err)
	})

	var g run.Group

	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			logger.Infof(ctx, "metrics listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
	}

	if a.cfg.Plugin.Watch {
		w, err := plugin.NewWatcher(a.loader, plugin.DefaultDebounce)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return w.Run(wctx)
		}, func(error) {
			cancel()
			_ = w.Close()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		logger.Infof(ctx, "received %s, shutting down", sig.Signal)
		return nil
	case ctx.Err() != nil:
		return nil
	}
	return err
}
