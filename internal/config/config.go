package config

import (
	"errors"
	"fmt"
	"time"
)

// Remote kinds.
const (
	RemotePostgREST = "postgrest"
	RemotePostgres  = "postgres"
	RemoteMemory    = "memory"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Lifecycle   LifecycleConfig
	Shell       ShellConfig
	Replication ReplicationConfig
	Remote      RemoteConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir     string
	Name        string
	LegacyNames []string
	// DevValidate turns on the CUE document validator.
	DevValidate bool
}

type LifecycleConfig struct {
	CreateTimeout time.Duration
	DeleteTimeout time.Duration
	MaxRecoveries int
}

type ShellConfig struct {
	WaitTimeout time.Duration
}

type ReplicationConfig struct {
	Enabled      bool
	BatchSize    int
	RetryBackoff time.Duration
	PollInterval time.Duration
}

type RemoteConfig struct {
	Kind        string
	URL         string
	APIKey      string
	PostgresDSN string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			Name:        "kosmoidb_v6",
			LegacyNames: []string{"kosmoidb_v5", "kosmoidb_v4"},
		},
		Lifecycle: LifecycleConfig{
			CreateTimeout: 15 * time.Second,
			DeleteTimeout: 3 * time.Second,
			MaxRecoveries: 3,
		},
		Shell: ShellConfig{
			WaitTimeout: 45 * time.Second,
		},
		Replication: ReplicationConfig{
			Enabled:      true,
			BatchSize:    100,
			RetryBackoff: 5 * time.Second,
			PollInterval: 30 * time.Second,
		},
		Remote: RemoteConfig{
			Kind: RemotePostgREST,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/kosmoi/config.json, then applies KOSMOI_* environment
// variables. Secrets come from the environment or from the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	// cfg is returned with a validation error so it can still be displayed.
	return cfg, cfg.Validate()
}

// applySecrets fills secret keys still empty after the environment.
func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get("kosmoi", s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate checks the remote settings required by Remote.Kind and the
// numeric bounds.
func (c Config) Validate() error {
	var errs []error
	if c.Replication.Enabled {
		switch c.Remote.Kind {
		case RemotePostgREST:
			if c.Remote.URL == "" {
				errs = append(errs, errors.New("remote.url is required for the postgrest remote; set KOSMOI_REMOTE_URL"))
			}
			if c.Remote.APIKey == "" {
				errs = append(errs, errors.New("remote.api_key is required for the postgrest remote; set KOSMOI_REMOTE_API_KEY"))
			}
		case RemotePostgres:
			if c.Remote.PostgresDSN == "" {
				errs = append(errs, errors.New("remote.postgres_dsn is required for the postgres remote; set KOSMOI_REMOTE_POSTGRES_DSN"))
			}
		case RemoteMemory:
		default:
			errs = append(errs, fmt.Errorf("unknown remote.kind %q", c.Remote.Kind))
		}
		if c.Replication.BatchSize < 1 {
			errs = append(errs, fmt.Errorf("replication.batch_size must be positive, got %d", c.Replication.BatchSize))
		}
	}
	if c.Storage.Name == "" {
		errs = append(errs, errors.New("storage.name must not be empty"))
	}
	if c.Lifecycle.MaxRecoveries < 1 {
		errs = append(errs, fmt.Errorf("lifecycle.max_recoveries must be positive, got %d", c.Lifecycle.MaxRecoveries))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
