package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/kosmoi/internal/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultBusyTimeout bounds how long a locked store file is waited for.
const DefaultBusyTimeout = 5 * time.Second

// MemoryDir opens the store in memory instead of under a data directory.
const MemoryDir = ":memory:"

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Options configure Open.
type Options struct {
	Dir       string
	Name      string
	Validator DocumentValidator // nil disables write validation
	Logger    *slog.Logger
	// BusyTimeout defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// Store is a SQLite-backed document store. It implements Handle.
type Store struct {
	db        *sql.DB
	id        string
	name      string
	path      string
	validator DocumentValidator
	logger    *slog.Logger

	mu          sync.RWMutex
	collections map[string]*docCollection
	destroyed   bool
}

var _ Handle = (*Store)(nil)

// Path returns the file backing the store named name under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".db")
}

// Open opens (or creates) the store named opts.Name in opts.Dir, verifies its
// integrity and runs pending migrations. Collections are not attached.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var dsn string
	if opts.Dir == MemoryDir {
		dsn = MemoryDir
	} else {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = Path(opts.Dir, opts.Name)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	conn := dsn
	if dsn != MemoryDir {
		// busy_timeout must already apply to the ping.
		conn += "?_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")"
	}

	db, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	if err := quickCheck(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:          db,
		id:          uuid.New().String(),
		name:        opts.Name,
		path:        dsn,
		validator:   opts.Validator,
		logger:      logger.With("store", opts.Name),
		collections: make(map[string]*docCollection),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Create opens a store and classifies the result.
func Create(ctx context.Context, opts Options) Outcome {
	s, err := Open(ctx, opts)
	if err != nil {
		return Outcome{Kind: Classify(err), Err: err}
	}
	return Outcome{Kind: OutcomeOK, Handle: s}
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("checking integrity: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func (s *Store) ID() string     { return s.id }
func (s *Store) Name() string   { return s.name }
func (s *Store) Fallback() bool { return false }

func (s *Store) Destroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}

// Destroy closes the store. The physical file is left in place; removing it
// is the persistent adapter's job.
func (s *Store) Destroy(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.collections = map[string]*docCollection{}
	return s.db.Close()
}

func (s *Store) Collection(name string) (Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Store) CollectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddCollections attaches the given collections in one transaction. Already
// attached names are skipped. When a collection was stored at an older
// version, its documents are migrated before it becomes visible.
func (s *Store) AddCollections(ctx context.Context, defs []schema.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}

	var pending []schema.Collection
	for _, def := range defs {
		if _, ok := s.collections[def.Name]; ok {
			continue
		}
		if err := checkIdents(def); err != nil {
			return err
		}
		pending = append(pending, def)
	}
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning attach transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, def := range pending {
		var stored int
		err := tx.QueryRowContext(ctx, `SELECT version FROM collections WHERE name = ?`, def.Name).Scan(&stored)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `INSERT INTO collections (name, version, remote_table, attached_at) VALUES (?, ?, ?, ?)`,
				def.Name, def.Version, def.RemoteTable, now); err != nil {
				return fmt.Errorf("registering collection %s: %w", def.Name, err)
			}
		case err != nil:
			return fmt.Errorf("reading collection %s: %w", def.Name, err)
		case stored < def.Version:
			if err := migrateDocuments(ctx, tx, def, stored); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE collections SET version = ?, remote_table = ? WHERE name = ?`,
				def.Version, def.RemoteTable, def.Name); err != nil {
				return fmt.Errorf("updating collection %s: %w", def.Name, err)
			}
		}

		for _, stmt := range indexStatements(def) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating index for %s: %w", def.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing attach: %w", err)
	}

	for _, def := range pending {
		s.collections[def.Name] = &docCollection{
			store:  s,
			def:    def,
			notify: make(chan struct{}, 1),
		}
	}
	s.logger.Info("collections attached", "count", len(pending))
	return nil
}

func checkIdents(def schema.Collection) error {
	if !identRe.MatchString(def.Name) {
		return fmt.Errorf("invalid collection name %q", def.Name)
	}
	for _, idx := range def.Indexes {
		for _, f := range idx {
			if !identRe.MatchString(f) {
				return fmt.Errorf("invalid index field %q in %s", f, def.Name)
			}
		}
	}
	return nil
}

func indexStatements(def schema.Collection) []string {
	stmts := make([]string, 0, len(def.Indexes))
	for _, idx := range def.Indexes {
		cols := make([]string, len(idx))
		for i, f := range idx {
			cols[i] = fmt.Sprintf("json_extract(body, '$.%s')", f)
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_%s ON documents (collection, %s) WHERE collection = '%s'",
			def.Name, strings.Join(idx, "_"), strings.Join(cols, ", "), def.Name,
		))
	}
	return stmts
}

func migrateDocuments(ctx context.Context, tx *sql.Tx, def schema.Collection, from int) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, body FROM documents WHERE collection = ?`, def.Name)
	if err != nil {
		return fmt.Errorf("loading %s for migration: %w", def.Name, err)
	}
	type migrated struct {
		id   string
		body []byte
	}
	var out []migrated
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return err
		}
		var doc schema.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			rows.Close()
			return fmt.Errorf("decoding %s/%s: %w", def.Name, id, err)
		}
		b, err := json.Marshal(def.Migrate(doc, from))
		if err != nil {
			rows.Close()
			return err
		}
		out = append(out, migrated{id: id, body: b})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET body = ? WHERE collection = ? AND id = ?`,
			string(m.body), def.Name, m.id); err != nil {
			return fmt.Errorf("migrating %s/%s: %w", def.Name, m.id, err)
		}
	}
	return nil
}
