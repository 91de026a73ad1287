package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "KOSMOI_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "KOSMOI_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KOSMOI_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.name", typ: kString, env: "KOSMOI_STORAGE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Storage.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Name },
	},
	{
		key: "storage.legacy_names", typ: kList, env: "KOSMOI_STORAGE_LEGACY_NAMES",
		apply:   func(cfg *Config, v any) { cfg.Storage.LegacyNames = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Storage.LegacyNames, ",") },
	},
	{
		key: "storage.dev_validate", typ: kBool, env: "KOSMOI_STORAGE_DEV_VALIDATE",
		apply:   func(cfg *Config, v any) { cfg.Storage.DevValidate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.DevValidate },
	},
	{
		key: "lifecycle.create_timeout", typ: kDuration, env: "KOSMOI_LIFECYCLE_CREATE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.CreateTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lifecycle.CreateTimeout },
	},
	{
		key: "lifecycle.delete_timeout", typ: kDuration, env: "KOSMOI_LIFECYCLE_DELETE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.DeleteTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lifecycle.DeleteTimeout },
	},
	{
		key: "lifecycle.max_recoveries", typ: kInt, env: "KOSMOI_LIFECYCLE_MAX_RECOVERIES",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.MaxRecoveries = v.(int) },
		extract: func(cfg Config) any { return cfg.Lifecycle.MaxRecoveries },
	},
	{
		key: "shell.wait_timeout", typ: kDuration, env: "KOSMOI_SHELL_WAIT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Shell.WaitTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Shell.WaitTimeout },
	},
	{
		key: "replication.enabled", typ: kBool, env: "KOSMOI_REPLICATION_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Replication.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Replication.Enabled },
	},
	{
		key: "replication.batch_size", typ: kInt, env: "KOSMOI_REPLICATION_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Replication.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Replication.BatchSize },
	},
	{
		key: "replication.retry_backoff", typ: kDuration, env: "KOSMOI_REPLICATION_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Replication.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Replication.RetryBackoff },
	},
	{
		key: "replication.poll_interval", typ: kDuration, env: "KOSMOI_REPLICATION_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Replication.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Replication.PollInterval },
	},
	{
		key: "remote.kind", typ: kString, env: "KOSMOI_REMOTE_KIND",
		apply:   func(cfg *Config, v any) { cfg.Remote.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Kind },
	},
	{
		key: "remote.url", typ: kString, env: "KOSMOI_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.URL },
	},
	{
		key: "remote.api_key", typ: kString, env: "KOSMOI_REMOTE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.APIKey },
	},
	{
		key: "remote.postgres_dsn", typ: kString, env: "KOSMOI_REMOTE_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.PostgresDSN },
	},
	{
		key: "log.level", typ: kString, env: "KOSMOI_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw into the Go value of typ.
func parse(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString && s.typ != kList) {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
