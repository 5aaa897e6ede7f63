// Package backup produces versioned, checksummed, optionally compressed
// backup artifacts through the connection pool, and restores them with
// pre/post verification.
package backup

import (
	"errors"
	"time"
)

type Type string

const (
	TypeFull         Type = "full"
	TypeIncremental  Type = "incremental"
	TypeDifferential Type = "differential"
)

var (
	// ErrBackupNotFound is returned when a backup id has no metadata.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrVerificationFailed is returned when the artifact's re-read
	// checksum does not match what was written.
	ErrVerificationFailed = errors.New("backup verification failed")
)

// Metadata is recorded once a backup completes and is immutable until
// expiry deletes it.
type Metadata struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Tables         []string  `json:"tables"`
	Label          string    `json:"label,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Size           int64     `json:"size"`
	Checksum       string    `json:"checksum"`
	Compression    bool      `json:"compression"`
	Encryption     bool      `json:"encryption"`
	ParentBackupID string    `json:"parentBackupId,omitempty"`
	FilePath       string    `json:"filePath"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type Options struct {
	Type   Type
	Tables []string
	Label  string
}

type Result struct {
	Success  bool          `json:"success"`
	BackupID string        `json:"backupId"`
	FilePath string        `json:"filePath"`
	Size     int64         `json:"size"`
	Checksum string        `json:"checksum"`
	Duration time.Duration `json:"duration"`
	Warnings []string      `json:"warnings"`
}

type RestoreConfig struct {
	BackupID                   string     `json:"backupId"`
	TargetDatabase             string     `json:"targetDatabase,omitempty"`
	PointInTime                *time.Time `json:"pointInTime,omitempty"`
	Tables                     []string   `json:"tables,omitempty"`
	DryRun                     bool       `json:"dryRun"`
	VerifyBeforeRecovery       bool       `json:"verifyBeforeRecovery"`
	CreateBackupBeforeRecovery bool       `json:"createBackupBeforeRecovery"`
}

// RecoveryResult reports one restore attempt. Success means no statement
// failed; partial failures leave the successful statements committed.
type RecoveryResult struct {
	BackupID        string              `json:"backupId"`
	Success         bool                `json:"success"`
	RecoveredTables []string            `json:"recoveredTables"`
	RecoveredRows   int                 `json:"recoveredRows"`
	Errors          []string            `json:"errors"`
	Warnings        []string            `json:"warnings"`
	Verification    *VerificationResult `json:"verification,omitempty"`
}

type VerificationResult struct {
	Valid         bool     `json:"valid"`
	ChecksumMatch bool     `json:"checksumMatch"`
	SchemaMatch   bool     `json:"schemaMatch"`
	DataIntegrity bool     `json:"dataIntegrity"`
	Errors        []string `json:"errors"`
}

type CleanupResult struct {
	DeletedCount int      `json:"deletedCount"`
	Errors       []string `json:"errors"`
}

type Statistics struct {
	TotalBackups      int          `json:"totalBackups"`
	TotalSize         int64        `json:"totalSize"`
	BackupsByType     map[Type]int `json:"backupsByType"`
	AverageBackupSize int64        `json:"averageBackupSize"`
	OldestBackup      time.Time    `json:"oldestBackup,omitempty"`
	NewestBackup      time.Time    `json:"newestBackup,omitempty"`
	SuccessRate       float64      `json:"successRate"`
}

type Config struct {
	Destination    string
	Compression    bool
	Encryption     bool
	Verification   bool
	RetentionDays  int
	RetentionCount int
	MaxConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Destination:    "backups",
		Compression:    true,
		Verification:   true,
		RetentionDays:  30,
		MaxConcurrency: 4,
	}
}
