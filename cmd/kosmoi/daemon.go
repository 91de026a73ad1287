package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kosmoi/internal/api"
	"github.com/kalambet/kosmoi/internal/config"
	"github.com/kalambet/kosmoi/internal/lifecycle"
	"github.com/kalambet/kosmoi/internal/remote"
	"github.com/kalambet/kosmoi/internal/replication"
	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/shell"
	"github.com/kalambet/kosmoi/internal/storage"
)

// daemon is the wired application: one lifecycle manager, its shell, the
// replication workers and the HTTP and MCP surfaces on top.
type daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	state   *storage.LocalState
	adapter *storage.FSAdapter
	workers *replication.Workers
	manager *lifecycle.Manager
	shell   *shell.Shell
	handler http.Handler
	mcp     *server.MCPServer

	closeRemote func()
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// newDaemon wires every component. ctx bounds the replication loops.
func newDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	state, err := storage.OpenLocalState(filepath.Join(cfg.Storage.DataDir, "localstate.json"))
	if err != nil {
		return nil, fmt.Errorf("opening local state: %w", err)
	}

	reg := schema.Default()
	var validator storage.DocumentValidator = reg
	if cfg.Storage.DevValidate {
		v, err := schema.NewValidator(reg)
		if err != nil {
			return nil, fmt.Errorf("compiling document schemas: %w", err)
		}
		validator = v
		logger.Info("development document validation enabled")
	}

	remotes, closeRemote, err := remoteFactory(ctx, cfg.Remote, logger)
	if err != nil {
		return nil, err
	}

	// sh is set below; loops only report corruption after the store is live.
	var sh *shell.Shell

	adapter := storage.NewFSAdapter(cfg.Storage.DataDir, state)
	workers := replication.NewWorkers(remotes, replication.Options{
		BatchSize:    cfg.Replication.BatchSize,
		RetryBackoff: cfg.Replication.RetryBackoff,
		PollInterval: cfg.Replication.PollInterval,
		Logger:       logger,
		OnCorrupt: func(h storage.Handle, err error) {
			sh.RecoverCorrupt(ctx, h, err)
		},
	})
	adapter.SetWorkers(workers)

	mgr := lifecycle.New(lifecycle.Options{
		Name: cfg.Storage.Name,
		Create: func(ctx context.Context, attempt int) storage.Outcome {
			return storage.Create(ctx, storage.Options{
				Dir:       cfg.Storage.DataDir,
				Name:      cfg.Storage.Name,
				Validator: validator,
				Logger:    logger,
			})
		},
		Adapter:       adapter,
		Provisioner:   lifecycle.NewProvisioner(reg, logger),
		CreateTimeout: cfg.Lifecycle.CreateTimeout,
		DeleteTimeout: cfg.Lifecycle.DeleteTimeout,
		MaxRecoveries: cfg.Lifecycle.MaxRecoveries,
		OnReady: func(h storage.Handle) {
			if !cfg.Replication.Enabled {
				return
			}
			if err := workers.Start(ctx, h); err != nil {
				logger.Warn("starting replication", "error", err)
			}
		},
		Logger: logger,
	})

	sh = shell.New(mgr, adapter, shell.Options{
		WaitTimeout: cfg.Shell.WaitTimeout,
		LegacyNames: cfg.Storage.LegacyNames,
		State:       state,
		Logger:      logger,
	})

	handler := api.NewHandler(api.Deps{
		Shell:     sh,
		Lifecycle: mgr,
		Sync:      workers,
		Registry:  reg,
		Token:     cfg.Server.Token,
		Logger:    logger,
	})
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Shell:    sh,
		Sync:     workers,
		Registry: reg,
	})

	return &daemon{
		cfg:         cfg,
		logger:      logger,
		state:       state,
		adapter:     adapter,
		workers:     workers,
		manager:     mgr,
		shell:       sh,
		handler:     handler,
		mcp:         mcpSrv,
		closeRemote: closeRemote,
	}, nil
}

// close stops replication and releases the store and the remote.
func (d *daemon) close(ctx context.Context) error {
	var firstErr error
	if err := d.workers.StopAll(ctx); err != nil {
		firstErr = err
	}
	if err := d.manager.Close(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	d.closeRemote()
	return firstErr
}

// remoteFactory maps each collection to its remote table client.
func remoteFactory(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (replication.RemoteFactory, func(), error) {
	switch cfg.Kind {
	case config.RemotePostgREST:
		return func(col schema.Collection) (replication.Remote, error) {
			return remote.NewPostgREST(cfg.URL, cfg.APIKey, col), nil
		}, func() {}, nil

	case config.RemotePostgres:
		pool, err := remote.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				logger.Warn("postgres remote unreachable; replication will retry", "error", err)
			}
		}()
		return func(col schema.Collection) (replication.Remote, error) {
			return remote.NewPostgres(pool, col), nil
		}, pool.Close, nil

	case config.RemoteMemory:
		var mu sync.Mutex
		tables := make(map[string]*remote.Memory)
		return func(col schema.Collection) (replication.Remote, error) {
			mu.Lock()
			defer mu.Unlock()
			t, ok := tables[col.RemoteTable]
			if !ok {
				t = remote.NewMemory(col.RemoteTable)
				tables[col.RemoteTable] = t
			}
			return t, nil
		}, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}
