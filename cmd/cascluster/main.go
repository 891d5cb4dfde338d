// Command cascluster runs a cluster node or prints its effective config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/config"
	asynchook "github.com/unkn0wn-root/cascluster/hooks/async"
	promhook "github.com/unkn0wn-root/cascluster/hooks/prom"
	sloghook "github.com/unkn0wn-root/cascluster/hooks/slog"
	logruslog "github.com/unkn0wn-root/cascluster/log/logrus"
	slogadapter "github.com/unkn0wn-root/cascluster/log/slog"
	zaplog "github.com/unkn0wn-root/cascluster/log/zap"
	"github.com/unkn0wn-root/cascluster/node"
	"github.com/unkn0wn-root/cascluster/timer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, envFile string

	root := &cobra.Command{
		Use:           "cascluster",
		Short:         "Distributed cache, timer, event and layer-call node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("CASCLUSTER_CONFIG"), "YAML config file (env CASCLUSTER_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; missing is fine")

	load := func() (*config.Config, error) {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, fmt.Errorf("env file %s: %w", envFile, err)
		}
		return config.Load(cfgPath)
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and serve until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	root.AddCommand(runCmd, configCmd)
	return root
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Node.ID == "" {
		// fixed here so log lines and the node agree on the id
		cfg.Node.ID = uuid.NewString()
	}
	log, flush, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer flush()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := promhook.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	var sink cascluster.Hooks = metrics
	if cfg.Log.Hooks {
		sink = cascluster.MultiHooks{metrics, sloghook.New(slogger(cfg, os.Stderr), sloghook.Options{
			EvictedEvery:     100,
			TaskSkippedEvery: 10,
		})}
	}
	hooks := asynchook.New(sink, 1, 4096)
	defer hooks.Close()

	n, err := node.New(cfg, node.WithLogger(log), node.WithHooks(hooks))
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("node close", cascluster.Fields{"err": err})
		}
	}()

	if cfg.Timer.Heartbeat > 0 {
		if _, err := n.Scheduler.Add(heartbeat(n, cfg.Timer.Heartbeat)); err != nil {
			return err
		}
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener", cascluster.Fields{"addr": cfg.Metrics.Addr, "err": err})
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("metrics listening", cascluster.Fields{"addr": cfg.Metrics.Addr})
	}

	log.Info("node starting", cascluster.Fields{"node": n.ID(), "provider": cfg.Provider.Kind})
	err = n.Run(ctx)
	log.Info("node stopped", cascluster.Fields{"node": n.ID(), "dropped_hooks": hooks.Dropped()})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildLogger(cfg *config.Config) (cascluster.Logger, func(), error) {
	switch cfg.Log.Backend {
	case config.LogLogrus:
		l := logrus.New()
		l.SetOutput(os.Stderr)
		lvl, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		l.SetLevel(lvl)
		if cfg.Log.Env == "prod" {
			l.SetFormatter(&logrus.JSONFormatter{})
		} else {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		return logruslog.New(l, cfg.Node.ID), func() {}, nil
	case config.LogSlog:
		return slogadapter.Logger{L: slogger(cfg, os.Stderr)}, func() {}, nil
	default:
		zl, err := zaplog.Build(cfg.Log.Env, cfg.Log.Level, cfg.Node.ID)
		if err != nil {
			return nil, nil, err
		}
		return zaplog.ZapLogger{L: zl}, func() { _ = zl.Sync() }, nil
	}
}

func slogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Log.Env == "prod" {
		h = slog.NewJSONHandler(w, opts)
	}
	l := slog.New(h)
	if cfg.Node.ID != "" {
		l = l.With("node", cfg.Node.ID)
	}
	return l
}

// heartbeat logs the live member set once per interval, on one node.
func heartbeat(n *node.Node, every time.Duration) timer.Task {
	return timer.Func("cluster.heartbeat", every, func(ctx context.Context) error {
		live, err := n.Members.Live(ctx)
		if err != nil {
			return err
		}
		n.Logger().Info("cluster heartbeat", cascluster.Fields{"node": n.ID(), "live": live, "size": len(live)})
		return nil
	})
}
