// Package store archives generated attestation reports in SQLite so an
// operator can audit the device's boot history after the fact. The
// archive is evidence storage only; nothing on the boot path reads it
// back to make a security decision.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bootguard/internal/attest"
)

// Schema for the report archive.
const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    generated_at     INTEGER NOT NULL,
    boot_count       INTEGER NOT NULL UNIQUE,
    firmware_version TEXT NOT NULL,
    security_status  INTEGER NOT NULL,
    tamper_events    INTEGER NOT NULL,
    report_json      TEXT NOT NULL,
    report_cbor      BLOB NOT NULL,
    signature        BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_generated ON reports(generated_at);
`

// Archive is the SQLite report archive.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the archive database at path.
func Open(path string) (*Archive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// SaveReport archives a signed report in both encodings.
func (a *Archive) SaveReport(r *attest.Report) error {
	if len(r.Signature) == 0 {
		return attest.ErrNotSigned
	}
	jsonData, err := r.ExportJSON()
	if err != nil {
		return err
	}
	cborData, err := r.ExportBinary()
	if err != nil {
		return err
	}
	_, err = a.db.Exec(`
		INSERT INTO reports (generated_at, boot_count, firmware_version, security_status, tamper_events, report_json, report_cbor, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), r.BootCount, r.FirmwareVersion, r.SecurityStatus, r.TamperEvents, string(jsonData), cborData, r.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// LoadReport retrieves an archived report by boot count, decoded from
// the CBOR copy.
func (a *Archive) LoadReport(bootCount uint64) (*attest.Report, error) {
	var cborData []byte
	err := a.db.QueryRow(
		`SELECT report_cbor FROM reports WHERE boot_count = ?`, bootCount,
	).Scan(&cborData)
	if err != nil {
		return nil, fmt.Errorf("load report %d: %w", bootCount, err)
	}
	return attest.DecodeBinary(cborData)
}

// Count returns the number of archived reports.
func (a *Archive) Count() (int64, error) {
	var n int64
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}
