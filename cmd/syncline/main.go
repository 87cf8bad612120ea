package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/syncline/internal/config"
	"github.com/rickgao/syncline/internal/connectivity"
	"github.com/rickgao/syncline/internal/credentials"
	"github.com/rickgao/syncline/internal/metrics"
	"github.com/rickgao/syncline/internal/pipeline"
	"github.com/rickgao/syncline/internal/queue"
	"github.com/rickgao/syncline/internal/realtime"
	"github.com/rickgao/syncline/internal/status"
	"github.com/rickgao/syncline/internal/store"
	"github.com/rickgao/syncline/internal/store/file"
	"github.com/rickgao/syncline/internal/store/memory"
	"github.com/rickgao/syncline/internal/store/postgres"
	"github.com/rickgao/syncline/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/syncline.local.yaml", "path to config file")
	topics := flag.String("topics", "", "comma separated channel/id topics to subscribe, e.g. trip/t-1,chat/42")
	showVersion := flag.Bool("version", false, "print version and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting syncline",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logger.With("instance_id", cfg.Instance.ID)

	subs, err := parseTopics(*topics)
	if err != nil {
		logger.Error("invalid topics", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	m := metrics.New()

	// Connectivity
	mon := connectivity.NewMonitor(true, m, logger)
	prober := connectivity.NewProber(connectivity.ProberConfig{
		URL:      strings.TrimRight(cfg.API.RestURL, "/") + cfg.API.HealthPath,
		Interval: cfg.Connectivity.ProbeInterval,
		Timeout:  cfg.Connectivity.ProbeTimeout,
	}, mon, nil, logger)
	prober.Probe(ctx)

	// Offline queue
	q, err := queue.New(queue.Config{
		Capacity:   cfg.Queue.Capacity,
		MaxRetries: cfg.Queue.MaxRetries,
		StorageKey: cfg.Queue.StorageKey,
	}, st, mon, m, logger)
	if err != nil {
		logger.Error("failed to create queue", "error", err)
		os.Exit(1)
	}
	if err := q.Load(ctx); err != nil {
		logger.Warn("failed to restore offline queue", "error", err)
	}

	// Credentials
	transport := pipeline.NewHTTPTransport(cfg.API.RestURL,
		pipeline.WithTimeout(cfg.API.Timeout),
		pipeline.WithTransportLogger(logger),
		pipeline.WithUserAgent(version.UserAgent()),
	)
	creds := credentials.NewManager(st, pipeline.NewRenewer(transport, cfg.API.RefreshPath),
		credentials.WithMetrics(m),
		credentials.WithLogger(logger),
	)
	restored, err := creds.Load(ctx)
	if err != nil {
		logger.Warn("failed to restore credentials", "error", err)
	}
	if !restored && cfg.Auth.AccessToken != "" {
		if err := creds.Authenticate(ctx, credentials.Pair{
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken,
		}); err != nil {
			logger.Error("failed to seed credentials", "error", err)
			os.Exit(1)
		}
	}
	if exp, err := creds.Expiry(); err == nil {
		logger.Info("credentials loaded", "expires_at", exp)
	}

	// Request pipeline
	p := pipeline.New(transport, creds, q, mon,
		pipeline.WithLogger(logger),
		pipeline.WithRefreshSkew(cfg.Auth.RefreshSkew),
	)
	q.SetExecutor(p.Executor())

	// Realtime
	conn := realtime.New(realtime.Config{
		URL:                  cfg.API.WSURL,
		ReconnectBaseDelay:   cfg.Realtime.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
	}, realtime.NewWSDialer(realtime.SocketConfig{
		HandshakeTimeout: cfg.API.Timeout,
		PingInterval:     cfg.Realtime.PingInterval,
		PingTimeout:      cfg.Realtime.PingTimeout,
		WriteTimeout:     cfg.Realtime.WriteTimeout,
	}, logger),
		realtime.WithTokenSource(creds),
		realtime.WithMetrics(m),
		realtime.WithLogger(logger),
	)

	// No point holding a socket open for a session the server rejected.
	p.OnSessionExpired(func() {
		logger.Warn("session expired")
		conn.Disconnect()
	})

	conn.OnStateChange(func(s realtime.State) {
		logger.Info("realtime state changed", "state", s.String())
	})
	conn.On(realtime.EventConnectionLost, func(json.RawMessage) {
		logger.Error("realtime connection lost, giving up until connectivity returns")
	})
	for _, t := range subs {
		if err := conn.Subscribe(t); err != nil {
			logger.Warn("subscribe failed", "topic", t.String(), "error", err)
		}
		conn.On(t.Channel+":update", func(data json.RawMessage) {
			logger.Info("realtime update", "channel", t.Channel, "data", string(data))
		})
	}

	stopQueueWatch := q.Watch(ctx, mon)
	defer stopQueueWatch()
	stopConnWatch := conn.Watch(mon)
	defer stopConnWatch()

	if err := prober.Start(ctx); err != nil {
		logger.Error("failed to start prober", "error", err)
		os.Exit(1)
	}

	if creds.Authenticated() && mon.IsOnline() {
		if err := conn.Connect(ctx); err != nil {
			logger.Warn("initial realtime connect failed", "error", err)
		}
	}

	var statusServer *status.Server
	if cfg.Status.ListenAddr != "" {
		statusServer = status.NewServer(status.Deps{
			Online:      mon,
			Queue:       q,
			Realtime:    conn,
			Credentials: creds,
			Metrics:     m.Handler(),
			MetricsPath: cfg.Metrics.Path,
		}, logger)
		if err := statusServer.Start(cfg.Status.ListenAddr); err != nil {
			logger.Error("failed to start status server", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("syncline running",
		"online", mon.IsOnline(),
		"queued", q.Len(),
		"authenticated", creds.Authenticated(),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	conn.Disconnect()
	if err := prober.Stop(shutdownCtx); err != nil {
		logger.Warn("prober stop", "error", err)
	}
	if statusServer != nil {
		if err := statusServer.Stop(shutdownCtx); err != nil {
			logger.Warn("status server stop", "error", err)
		}
	}

	logger.Info("syncline stopped", "queued", q.Len())
}

// openStore builds the configured durable store and its cleanup.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewStore(), func() {}, nil
	case "file":
		s, err := file.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := postgres.Connect(connectCtx, cfg.Postgres, cfg.Table, "syncline")
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func parseTopics(s string) ([]realtime.Topic, error) {
	var out []realtime.Topic
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		channel, id, ok := strings.Cut(part, "/")
		if !ok || channel == "" || id == "" {
			return nil, errors.New("topic must be channel/id: " + part)
		}
		out = append(out, realtime.Topic{Channel: channel, ID: id})
	}
	return out, nil
}
