package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"dbops-platform/internal/driver"
	"dbops-platform/internal/pool"
)

// Restore applies a backup artifact. Statements execute autonomously:
// each insert commits on its own, failures are accumulated in the result
// and the remaining statements still run. Only structural failures
// (missing backup, unreadable artifact, aborted safety-net backup) stop
// the operation.
func (m *Manager) Restore(ctx context.Context, cfg RestoreConfig) (RecoveryResult, error) {
	result := RecoveryResult{
		BackupID:        cfg.BackupID,
		RecoveredTables: []string{},
		Errors:          []string{},
		Warnings:        []string{},
	}

	meta, err := m.Get(cfg.BackupID)
	if err != nil {
		return result, err
	}

	if cfg.CreateBackupBeforeRecovery {
		pre, err := m.Create(ctx, Options{Type: TypeFull, Label: "pre-restore safety net"})
		if err != nil {
			return result, fmt.Errorf("pre-restore backup failed, aborting restore: %w", err)
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("pre-restore backup %s recorded", pre.BackupID))
	}

	if cfg.VerifyBeforeRecovery {
		verification := m.Verify(ctx, meta.ID)
		result.Verification = &verification
		if !verification.Valid {
			return result, fmt.Errorf("%w: artifact failed pre-restore verification: %s", ErrVerificationFailed, strings.Join(verification.Errors, "; "))
		}
	}

	data, err := os.ReadFile(meta.FilePath)
	if err != nil {
		return result, fmt.Errorf("read artifact: %w", err)
	}
	art, err := decodeArtifact(data)
	if err != nil {
		return result, err
	}

	if meta.Type != TypeFull {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s artifact references parent %s; delta replay is delegated to the engine's change tracking", meta.Type, meta.ParentBackupID))
	}
	if cfg.PointInTime != nil {
		result.Warnings = append(result.Warnings, "point-in-time recovery requires engine change tracking; restoring the artifact as written")
	}

	selected := selectTables(art.Tables, cfg.Tables)
	if cfg.DryRun {
		// Parse-and-validate only: report shape, mutate nothing.
		for _, dump := range selected {
			result.RecoveredTables = append(result.RecoveredTables, dump.Name)
		}
		result.Success = true
		return result, nil
	}

	for _, dump := range selected {
		restored, errs := m.restoreTable(ctx, dump)
		result.RecoveredRows += restored
		result.Errors = append(result.Errors, errs...)
		if restored > 0 || len(errs) == 0 {
			result.RecoveredTables = append(result.RecoveredTables, dump.Name)
		}
	}
	result.Success = len(result.Errors) == 0

	if verification := m.postRestoreCheck(ctx, selected); len(verification) > 0 {
		result.Warnings = append(result.Warnings, verification...)
	}

	level := slog.LevelInfo
	if !result.Success {
		level = slog.LevelError
	}
	m.log.Log(ctx, level, "restore finished",
		slog.String("backup_id", cfg.BackupID),
		slog.Int("recovered_rows", result.RecoveredRows),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}

func selectTables(dumps []tableDump, filter []string) []tableDump {
	if len(filter) == 0 {
		return dumps
	}
	want := map[string]bool{}
	for _, name := range filter {
		want[name] = true
	}
	out := []tableDump{}
	for _, dump := range dumps {
		if want[dump.Name] {
			out = append(out, dump)
		}
	}
	return out
}

func (m *Manager) restoreTable(ctx context.Context, dump tableDump) (int, []string) {
	errs := []string{}
	quoted, err := driver.QuoteIdentifier(dump.Name)
	if err != nil {
		return 0, []string{fmt.Sprintf("table %q: %v", dump.Name, err)}
	}
	columns := dump.Columns
	if len(columns) == 0 && len(dump.Rows) > 0 {
		for col := range dump.Rows[0] {
			columns = append(columns, col)
		}
	}
	quotedCols := make([]string, len(columns))
	for i, col := range columns {
		qc, err := driver.QuoteIdentifier(col)
		if err != nil {
			return 0, []string{fmt.Sprintf("table %q column %q: %v", dump.Name, col, err)}
		}
		quotedCols[i] = qc
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoted, strings.Join(quotedCols, ", "), placeholders(m.engine, len(columns)))

	restored := 0
	for rowIdx, row := range dump.Rows {
		args := make([]any, len(columns))
		for i, col := range columns {
			args[i] = row[col]
		}
		if _, err := m.pool.Query(ctx, stmt, args, pool.QueryOptions{}); err != nil {
			errs = append(errs, fmt.Sprintf("table %q row %d: %v", dump.Name, rowIdx, err))
			continue
		}
		restored++
	}
	return restored, errs
}

// postRestoreCheck compares live row counts against the artifact and
// reports mismatches as warnings.
func (m *Manager) postRestoreCheck(ctx context.Context, dumps []tableDump) []string {
	warnings := []string{}
	for _, dump := range dumps {
		quoted, err := driver.QuoteIdentifier(dump.Name)
		if err != nil {
			continue
		}
		res, err := m.pool.Query(ctx, "SELECT * FROM "+quoted, nil, pool.QueryOptions{})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("post-restore check for %q failed: %v", dump.Name, err))
			continue
		}
		if len(res.Rows) < dump.RowCount {
			warnings = append(warnings, fmt.Sprintf("table %q holds %d rows, artifact has %d", dump.Name, len(res.Rows), dump.RowCount))
		}
	}
	return warnings
}

func placeholders(engine string, n int) string {
	out := make([]string, n)
	for i := range out {
		switch engine {
		case "mysql":
			out[i] = "?"
		case "sqlserver":
			out[i] = fmt.Sprintf("@p%d", i+1)
		default:
			out[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	return strings.Join(out, ", ")
}
