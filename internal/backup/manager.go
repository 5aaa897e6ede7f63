package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dbops-platform/internal/driver"
	"dbops-platform/internal/pool"
)

const indexFileName = "index.json"

// Manager owns backup metadata and artifacts. It borrows connections
// from the pool per-query like any other caller, so backups queue behind
// live traffic instead of locking it out.
type Manager struct {
	cfg      Config
	pool     *pool.Pool
	log      *slog.Logger
	database string
	engine   string

	mu       sync.Mutex
	backups  map[string]Metadata
	order    []string
	attempts int64
	failures int64
}

type indexFile struct {
	Backups  []Metadata `json:"backups"`
	Attempts int64      `json:"attempts"`
	Failures int64      `json:"failures"`
}

func NewManager(cfg Config, p *pool.Pool, log *slog.Logger, database, engine string) (*Manager, error) {
	if cfg.Destination == "" {
		cfg.Destination = DefaultConfig().Destination
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultConfig().RetentionDays
	}
	if err := os.MkdirAll(cfg.Destination, 0o755); err != nil {
		return nil, fmt.Errorf("create backup destination: %w", err)
	}
	m := &Manager{
		cfg:      cfg,
		pool:     p,
		log:      log,
		database: database,
		engine:   engine,
		backups:  map[string]Metadata{},
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(m.cfg.Destination, indexFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("parse backup index: %w", err)
	}
	sort.Slice(idx.Backups, func(i, j int) bool { return idx.Backups[i].CreatedAt.Before(idx.Backups[j].CreatedAt) })
	for _, meta := range idx.Backups {
		m.backups[meta.ID] = meta
		m.order = append(m.order, meta.ID)
	}
	m.attempts = idx.Attempts
	m.failures = idx.Failures
	return nil
}

// persistIndexLocked writes the metadata index. Must be called with m.mu
// held.
func (m *Manager) persistIndexLocked() {
	idx := indexFile{Attempts: m.attempts, Failures: m.failures}
	for _, id := range m.order {
		if meta, ok := m.backups[id]; ok {
			idx.Backups = append(idx.Backups, meta)
		}
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		m.log.Warn("encode backup index failed", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(filepath.Join(m.cfg.Destination, indexFileName), data, 0o644); err != nil {
		m.log.Warn("write backup index failed", slog.String("error", err.Error()))
	}
}

// Create produces a backup artifact. On any failure no metadata is
// recorded; a written artifact without metadata is an orphan that the
// cleanup routine may remove.
func (m *Manager) Create(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()

	result, err := m.create(ctx, opts, start)
	if err != nil {
		m.mu.Lock()
		m.failures++
		m.persistIndexLocked()
		m.mu.Unlock()
		m.log.Error("backup failed",
			slog.String("type", string(opts.Type)),
			slog.String("error", err.Error()))
		return result, err
	}
	m.log.Info("backup recorded",
		slog.String("backup_id", result.BackupID),
		slog.String("type", string(opts.Type)),
		slog.Int64("size", result.Size),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func (m *Manager) create(ctx context.Context, opts Options, start time.Time) (Result, error) {
	if opts.Type == "" {
		opts.Type = TypeFull
	}
	tables := opts.Tables
	if len(tables) == 0 {
		resolved, err := m.listTables(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("enumerate tables: %w", err)
		}
		tables = resolved
	}
	if len(tables) == 0 {
		return Result{}, fmt.Errorf("no tables to back up")
	}

	id := uuid.NewString()
	now := time.Now()
	header := artifactHeader{
		BackupID:  id,
		Type:      opts.Type,
		Database:  m.database,
		Tables:    tables,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	warnings := []string{}
	var dumps []tableDump

	switch opts.Type {
	case TypeFull:
		var err error
		dumps, warnings, err = m.dumpTables(ctx, tables)
		if err != nil {
			return Result{}, err
		}
	case TypeIncremental, TypeDifferential:
		parent, ok := m.latestFull()
		if !ok {
			return Result{}, fmt.Errorf("%s backup requires an existing full backup", opts.Type)
		}
		// Delta extraction is delegated to the engine's change tracking;
		// the artifact records the parent reference and the delta scope.
		header.ParentBackupID = parent.ID
		header.DeltaScope = tables
		dumps = []tableDump{}
	default:
		return Result{}, fmt.Errorf("unsupported backup type %q", opts.Type)
	}

	data, err := encodeArtifact(artifact{Header: header, Tables: dumps}, m.cfg.Compression)
	if err != nil {
		return Result{}, err
	}
	name := id + ".backup"
	if m.cfg.Compression {
		name += ".gz"
	}
	path := filepath.Join(m.cfg.Destination, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write artifact: %w", err)
	}
	checksum := checksumBytes(data)

	if m.cfg.Verification {
		reread, _, err := checksumFile(path)
		if err != nil {
			return Result{Success: false, BackupID: id, FilePath: path}, fmt.Errorf("%w: re-read artifact: %v", ErrVerificationFailed, err)
		}
		if reread != checksum {
			return Result{Success: false, BackupID: id, FilePath: path}, fmt.Errorf("%w: checksum mismatch after write", ErrVerificationFailed)
		}
	}

	meta := Metadata{
		ID:          id,
		Type:        opts.Type,
		Tables:      tables,
		Label:       opts.Label,
		CreatedAt:   now,
		Size:        int64(len(data)),
		Checksum:    checksum,
		Compression: m.cfg.Compression,
		Encryption:  m.cfg.Encryption,
		FilePath:    path,
		ExpiresAt:   now.Add(time.Duration(m.cfg.RetentionDays) * 24 * time.Hour),
	}
	if header.ParentBackupID != "" {
		meta.ParentBackupID = header.ParentBackupID
	}
	m.mu.Lock()
	m.backups[id] = meta
	m.order = append(m.order, id)
	m.persistIndexLocked()
	m.mu.Unlock()

	return Result{
		Success:  true,
		BackupID: id,
		FilePath: path,
		Size:     meta.Size,
		Checksum: checksum,
		Duration: time.Since(start),
		Warnings: warnings,
	}, nil
}

func (m *Manager) listTables(ctx context.Context) ([]string, error) {
	res, err := m.pool.Query(ctx, driver.CatalogQuery(m.engine), nil, pool.QueryOptions{})
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		for _, v := range row {
			if name, ok := v.(string); ok {
				tables = append(tables, name)
			}
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// dumpTables reads schema and rows for each table, at most
// MaxConcurrency tables in flight. Each read borrows its own pooled
// connection.
func (m *Manager) dumpTables(ctx context.Context, tables []string) ([]tableDump, []string, error) {
	dumps := make([]tableDump, len(tables))
	var mu sync.Mutex
	warnings := []string{}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			quoted, err := driver.QuoteIdentifier(table)
			if err != nil {
				return fmt.Errorf("table %q: %w", table, err)
			}
			res, err := m.pool.Query(groupCtx, "SELECT * FROM "+quoted, nil, pool.QueryOptions{})
			if err != nil {
				return fmt.Errorf("dump table %q: %w", table, err)
			}
			dumps[i] = tableDump{
				Name:     table,
				Columns:  res.Columns,
				RowCount: len(res.Rows),
				Rows:     res.Rows,
			}
			if len(res.Rows) == 0 {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("table %q is empty", table))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return dumps, warnings, nil
}

func (m *Manager) latestFull() (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if meta, ok := m.backups[m.order[i]]; ok && meta.Type == TypeFull {
			return meta, true
		}
	}
	return Metadata{}, false
}

// Get returns metadata by backup id.
func (m *Manager) Get(id string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.backups[id]
	if !ok {
		return Metadata{}, ErrBackupNotFound
	}
	return meta, nil
}

// List returns all recorded metadata, oldest first.
func (m *Manager) List() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metadata, 0, len(m.order))
	for _, id := range m.order {
		if meta, ok := m.backups[id]; ok {
			out = append(out, meta)
		}
	}
	return out
}

// CleanupExpired deletes artifacts past their expiry and, when a
// retention count is set, the oldest backups beyond it. One failed
// deletion does not stop the rest.
func (m *Manager) CleanupExpired(ctx context.Context) CleanupResult {
	now := time.Now()
	result := CleanupResult{Errors: []string{}}

	m.mu.Lock()
	defer m.mu.Unlock()

	doomed := map[string]bool{}
	for _, id := range m.order {
		meta := m.backups[id]
		if meta.ExpiresAt.Before(now) {
			doomed[id] = true
		}
	}
	if m.cfg.RetentionCount > 0 {
		remaining := len(m.order) - len(doomed)
		for _, id := range m.order {
			if remaining <= m.cfg.RetentionCount {
				break
			}
			if !doomed[id] {
				doomed[id] = true
				remaining--
			}
		}
	}

	kept := m.order[:0]
	for _, id := range m.order {
		if !doomed[id] {
			kept = append(kept, id)
			continue
		}
		meta := m.backups[id]
		if err := os.Remove(meta.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", meta.ID, err))
			kept = append(kept, id)
			continue
		}
		delete(m.backups, id)
		result.DeletedCount++
	}
	m.order = kept
	if result.DeletedCount > 0 {
		m.persistIndexLocked()
	}
	return result
}

// Statistics aggregates over recorded metadata.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{BackupsByType: map[Type]int{}}
	for _, id := range m.order {
		meta, ok := m.backups[id]
		if !ok {
			continue
		}
		stats.TotalBackups++
		stats.TotalSize += meta.Size
		stats.BackupsByType[meta.Type]++
		if stats.OldestBackup.IsZero() || meta.CreatedAt.Before(stats.OldestBackup) {
			stats.OldestBackup = meta.CreatedAt
		}
		if meta.CreatedAt.After(stats.NewestBackup) {
			stats.NewestBackup = meta.CreatedAt
		}
	}
	if stats.TotalBackups > 0 {
		stats.AverageBackupSize = stats.TotalSize / int64(stats.TotalBackups)
	}
	if m.attempts > 0 {
		stats.SuccessRate = float64(m.attempts-m.failures) / float64(m.attempts)
	}
	return stats
}
