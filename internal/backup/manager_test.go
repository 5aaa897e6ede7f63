package backup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"dbops-platform/internal/driver"
	"dbops-platform/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	drv     *driver.MemDriver
	pool    *pool.Pool
	manager *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	drv := driver.NewMemDriver()
	drv.SetTable("users", []string{"id", "name"}, []map[string]any{
		{"id": int64(1), "name": "ada"},
		{"id": int64(2), "name": "grace"},
	})
	drv.SetTable("audit_log", []string{"id"}, nil)

	p, err := pool.New(context.Background(), pool.Config{
		MinConnections: 1,
		MaxConnections: 4,
		AcquireTimeout: time.Second,
	}, drv, testLogger())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	if cfg.Destination == "" {
		cfg.Destination = t.TempDir()
	}
	m, err := NewManager(cfg, p, testLogger(), "appdb", "memory")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return &fixture{drv: drv, pool: p, manager: m}
}

func TestCreateFullBackup(t *testing.T) {
	f := newFixture(t, Config{Compression: true, Verification: true})

	res, err := f.manager.Create(context.Background(), Options{Type: TypeFull, Label: "nightly"})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if !res.Success || res.BackupID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	onDisk, _, err := checksumFile(res.FilePath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if onDisk != res.Checksum {
		t.Fatal("recorded checksum does not match the on-disk artifact")
	}

	meta, err := f.manager.Get(res.BackupID)
	if err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	if meta.Label != "nightly" || meta.Type != TypeFull || len(meta.Tables) != 2 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if !meta.ExpiresAt.After(meta.CreatedAt) {
		t.Fatal("expiry must be after creation")
	}

	sawEmptyWarning := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "audit_log") {
			sawEmptyWarning = true
		}
	}
	if !sawEmptyWarning {
		t.Fatalf("expected a warning for the empty table, got %v", res.Warnings)
	}
}

func TestCreateUncompressedArtifactIsReadable(t *testing.T) {
	f := newFixture(t, Config{Compression: false, Verification: true})
	res, err := f.manager.Create(context.Background(), Options{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	art, err := decodeArtifact(data)
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(art.Tables) != 1 || art.Tables[0].RowCount != 2 {
		t.Fatalf("unexpected artifact contents: %+v", art.Tables)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t, Config{Compression: true, Verification: true})
	res, err := f.manager.Create(context.Background(), Options{})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	verification := f.manager.Verify(context.Background(), res.BackupID)
	if !verification.Valid || !verification.ChecksumMatch || !verification.SchemaMatch || !verification.DataIntegrity {
		t.Fatalf("fresh backup should verify clean: %+v", verification)
	}

	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(res.FilePath, data, 0o644); err != nil {
		t.Fatalf("write tampered artifact: %v", err)
	}

	verification = f.manager.Verify(context.Background(), res.BackupID)
	if verification.ChecksumMatch {
		t.Fatal("checksum must not match after tampering")
	}
	if verification.Valid {
		t.Fatal("tampered artifact must not verify")
	}

	unknown := f.manager.Verify(context.Background(), "no-such-id")
	if unknown.Valid || len(unknown.Errors) == 0 {
		t.Fatalf("unknown backup should fail verification: %+v", unknown)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, Config{Compression: true})
	res, err := f.manager.Create(context.Background(), Options{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	// Simulate data loss.
	f.drv.SetTable("users", []string{"id", "name"}, nil)

	recovery, err := f.manager.Restore(context.Background(), RestoreConfig{BackupID: res.BackupID})
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !recovery.Success {
		t.Fatalf("expected successful restore: %+v", recovery)
	}
	if recovery.RecoveredRows != 2 {
		t.Fatalf("expected 2 recovered rows, got %d", recovery.RecoveredRows)
	}
	if rows := f.drv.Rows("users"); len(rows) != 2 {
		t.Fatalf("expected 2 rows back in the table, got %d", len(rows))
	}
}

func TestRestoreDryRunMutatesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.manager.Create(context.Background(), Options{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	before := len(f.drv.Rows("users"))

	recovery, err := f.manager.Restore(context.Background(), RestoreConfig{BackupID: res.BackupID, DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !recovery.Success || recovery.RecoveredRows != 0 {
		t.Fatalf("dry run must report success without rows: %+v", recovery)
	}
	if len(recovery.RecoveredTables) != 1 {
		t.Fatalf("dry run should report affected tables: %+v", recovery.RecoveredTables)
	}
	if after := len(f.drv.Rows("users")); after != before {
		t.Fatalf("dry run mutated the table: %d -> %d rows", before, after)
	}
}

// A mid-restore statement failure keeps earlier rows committed, records
// the error, and continues with the remaining rows.
func TestRestoreContinuesPastStatementFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.drv.SetTable("users", []string{"id", "name"}, []map[string]any{
		{"id": int64(1), "name": "ada"},
		{"id": int64(2), "name": "grace"},
		{"id": int64(3), "name": "edsger"},
	})
	res, err := f.manager.Create(context.Background(), Options{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	f.drv.SetTable("users", []string{"id", "name"}, nil)
	// Artifact rows round-trip through JSON, so ids decode as float64.
	f.drv.ExecHook = func(query string, args []any) (driver.Result, bool, error) {
		if strings.HasPrefix(query, "INSERT") && len(args) > 0 && args[0] == float64(2) {
			return driver.Result{}, true, errors.New("duplicate key")
		}
		return driver.Result{}, false, nil
	}

	recovery, err := f.manager.Restore(context.Background(), RestoreConfig{BackupID: res.BackupID})
	if err != nil {
		t.Fatalf("restore returned structural error: %v", err)
	}
	if recovery.Success {
		t.Fatal("restore with failed rows must not report success")
	}
	if recovery.RecoveredRows != 2 {
		t.Fatalf("expected 2 rows restored around the failure, got %d", recovery.RecoveredRows)
	}
	if len(recovery.Errors) != 1 || !strings.Contains(recovery.Errors[0], "duplicate key") {
		t.Fatalf("expected one recorded row error, got %v", recovery.Errors)
	}
	// Successful statements stay committed.
	if rows := f.drv.Rows("users"); len(rows) != 2 {
		t.Fatalf("expected 2 committed rows, got %d", len(rows))
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.manager.Restore(context.Background(), RestoreConfig{BackupID: "missing"}); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestRestoreVerifyGateAborts(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.manager.Create(context.Background(), Options{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	data, _ := os.ReadFile(res.FilePath)
	data[len(data)-1] ^= 0xff
	_ = os.WriteFile(res.FilePath, data, 0o644)

	before := len(f.drv.Rows("users"))
	_, err = f.manager.Restore(context.Background(), RestoreConfig{BackupID: res.BackupID, VerifyBeforeRecovery: true})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if after := len(f.drv.Rows("users")); after != before {
		t.Fatal("aborted restore must not touch the data")
	}
}

func TestIncrementalRequiresFullParent(t *testing.T) {
	f := newFixture(t, Config{})

	if _, err := f.manager.Create(context.Background(), Options{Type: TypeIncremental}); err == nil {
		t.Fatal("incremental backup without a full parent must fail")
	}

	full, err := f.manager.Create(context.Background(), Options{Type: TypeFull})
	if err != nil {
		t.Fatalf("full backup failed: %v", err)
	}
	inc, err := f.manager.Create(context.Background(), Options{Type: TypeIncremental})
	if err != nil {
		t.Fatalf("incremental backup failed: %v", err)
	}
	meta, err := f.manager.Get(inc.BackupID)
	if err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	if meta.ParentBackupID != full.BackupID {
		t.Fatalf("incremental should reference the latest full backup, got %q", meta.ParentBackupID)
	}
}

func TestCleanupRetentionCount(t *testing.T) {
	f := newFixture(t, Config{RetentionCount: 1})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := f.manager.Create(ctx, Options{Tables: []string{"users"}})
		if err != nil {
			t.Fatalf("backup %d failed: %v", i, err)
		}
		ids = append(ids, res.BackupID)
	}

	result := f.manager.CleanupExpired(ctx)
	if result.DeletedCount != 2 {
		t.Fatalf("expected 2 deleted backups, got %d (errors %v)", result.DeletedCount, result.Errors)
	}
	remaining := f.manager.List()
	if len(remaining) != 1 || remaining[0].ID != ids[2] {
		t.Fatalf("newest backup should survive, got %+v", remaining)
	}
	for _, id := range ids[:2] {
		if _, err := f.manager.Get(id); !errors.Is(err, ErrBackupNotFound) {
			t.Fatalf("deleted backup %s still resolvable", id)
		}
	}
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.manager.Create(ctx, Options{Tables: []string{"users"}}); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if _, err := f.manager.Create(ctx, Options{Tables: []string{"users"}}); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if _, err := f.manager.Create(ctx, Options{Tables: []string{"missing_table"}}); err == nil {
		t.Fatal("backup of an unknown table must fail")
	}

	stats := f.manager.Statistics()
	if stats.TotalBackups != 2 {
		t.Fatalf("expected 2 recorded backups, got %d", stats.TotalBackups)
	}
	if stats.BackupsByType[TypeFull] != 2 {
		t.Fatalf("expected 2 full backups, got %d", stats.BackupsByType[TypeFull])
	}
	want := 2.0 / 3.0
	if diff := stats.SuccessRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected success rate %.3f, got %.3f", want, stats.SuccessRate)
	}
	if stats.AverageBackupSize <= 0 {
		t.Fatalf("expected positive average size, got %d", stats.AverageBackupSize)
	}
	if stats.OldestBackup.After(stats.NewestBackup) {
		t.Fatal("oldest backup must not postdate the newest")
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Config{Destination: dir})
	res, err := f.manager.Create(context.Background(), Options{Tables: []string{"users"}})
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	reopened, err := NewManager(Config{Destination: dir}, f.pool, testLogger(), "appdb", "memory")
	if err != nil {
		t.Fatalf("reopen manager: %v", err)
	}
	meta, err := reopened.Get(res.BackupID)
	if err != nil {
		t.Fatalf("metadata lost across restart: %v", err)
	}
	if meta.Checksum != res.Checksum {
		t.Fatal("restored metadata differs from the original record")
	}
	if got := reopened.Statistics().SuccessRate; got != 1 {
		t.Fatalf("attempt counters should persist, success rate %.2f", got)
	}
}
