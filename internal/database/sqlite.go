package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-civitai-publisher/internal/models"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when an identity is not in the ledger.
var ErrNotFound = errors.New("key not found")

// DB is the local publish ledger. It maps the logical identity of a release
// to the remote ids the platform assigned, so that a replayed publish updates
// instead of creating duplicates.
type DB struct {
	db *sql.DB
	sync.RWMutex
	closeOnce sync.Once
	closed    bool
	closeErr  error
	now       func() time.Time
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	dbWrapper := &DB{db: db, now: time.Now}
	if err := dbWrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Debugf("Ledger opened at %s", path)
	return dbWrapper, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS releases (
		identity TEXT PRIMARY KEY,
		model_id INTEGER NOT NULL DEFAULT 0,
		version_id INTEGER NOT NULL DEFAULT 0,
		post_id INTEGER NOT NULL DEFAULT 0,
		model_name TEXT NOT NULL,
		version_name TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Pending', 'Uploaded', 'Scheduled', 'Published', 'Error')),
		error_details TEXT,
		published_at TEXT,
		updated_at TEXT NOT NULL
	);

	-- Files confirmed by the platform, keyed by content so a replay skips them.
	CREATE TABLE IF NOT EXISTS files (
		version_id INTEGER NOT NULL,
		hash_blake3 TEXT NOT NULL,
		remote_id INTEGER NOT NULL,
		local_path TEXT NOT NULL,
		display_name TEXT NOT NULL,
		size_kb REAL,
		url TEXT,
		PRIMARY KEY (version_id, hash_blake3)
	);

	-- Images attached to a release post.
	CREATE TABLE IF NOT EXISTS images (
		post_id INTEGER NOT NULL,
		hash_blake3 TEXT NOT NULL,
		image_key TEXT NOT NULL,
		local_path TEXT NOT NULL,
		PRIMARY KEY (post_id, hash_blake3)
	);

	CREATE INDEX IF NOT EXISTS idx_releases_model_id ON releases(model_id);
	CREATE INDEX IF NOT EXISTS idx_releases_status ON releases(status);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		d.closed = true

		if d.closeErr != nil {
			log.Errorf("Error during ledger close operation: %v", d.closeErr)
		} else {
			log.Debug("Ledger closed.")
		}
	})
	return d.closeErr
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type scanner interface {
	Scan(dest ...any) error
}

const releaseColumns = `identity, model_id, version_id, post_id, model_name, version_name, status, error_details, published_at, updated_at`

func scanRelease(row scanner) (models.LedgerEntry, error) {
	var (
		e           models.LedgerEntry
		errDetails  sql.NullString
		publishedAt sql.NullString
		updatedAt   string
	)
	err := row.Scan(&e.Identity, &e.ModelID, &e.VersionID, &e.PostID, &e.ModelName, &e.VersionName,
		&e.Status, &errDetails, &publishedAt, &updatedAt)
	if err != nil {
		return e, err
	}
	e.ErrorDetails = errDetails.String
	if publishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, publishedAt.String); err == nil {
			e.PublishedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return e, nil
}

// Get returns the ledger entry of identity, or ErrNotFound.
func (d *DB) Get(identity string) (models.LedgerEntry, error) {
	d.RLock()
	defer d.RUnlock()

	row := d.db.QueryRow(`SELECT `+releaseColumns+` FROM releases WHERE identity = ?`, identity)
	entry, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, ErrNotFound
	} else if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("error querying release %s: %w", identity, err)
	}
	return entry, nil
}

// Put stores entry, replacing any previous entry of the same identity.
func (d *DB) Put(entry models.LedgerEntry) error {
	if entry.Identity == "" {
		return errors.New("ledger entry has no identity")
	}
	if entry.Status == "" {
		entry.Status = models.LedgerStatusPending
	}
	d.Lock()
	defer d.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO releases (`+releaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Identity, entry.ModelID, entry.VersionID, entry.PostID, entry.ModelName, entry.VersionName,
		entry.Status, entry.ErrorDetails, formatTime(entry.PublishedAt), d.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("error storing release %s: %w", entry.Identity, err)
	}
	log.WithField("identity", entry.Identity).Debugf("[Ledger] Stored model %d / version %d (%s)", entry.ModelID, entry.VersionID, entry.Status)
	return nil
}

// SetStatus updates the status of identity. details is kept for Error.
func (d *DB) SetStatus(identity, status, details string) error {
	d.Lock()
	defer d.Unlock()

	result, err := d.db.Exec(`UPDATE releases SET status = ?, error_details = ?, updated_at = ? WHERE identity = ?`,
		status, details, d.now().UTC().Format(time.RFC3339Nano), identity)
	if err != nil {
		return fmt.Errorf("error updating status of %s: %w", identity, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every release, most recently updated first.
func (d *DB) List() ([]models.LedgerEntry, error) {
	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.Query(`SELECT ` + releaseColumns + ` FROM releases ORDER BY updated_at DESC, identity`)
	if err != nil {
		return nil, fmt.Errorf("error querying releases: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanRelease(rows)
		if err != nil {
			log.WithError(err).Warn("List: Error scanning release")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes identity with the files and images recorded for it.
func (d *DB) Delete(identity string) error {
	d.Lock()
	defer d.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction for %s: %w", identity, err)
	}
	defer tx.Rollback()

	var versionID, postID int
	err = tx.QueryRow(`SELECT version_id, post_id FROM releases WHERE identity = ?`, identity).Scan(&versionID, &postID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error deleting %s: %w", identity, err)
	}
	if _, err := tx.Exec(`DELETE FROM releases WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("error deleting %s: %w", identity, err)
	}
	if versionID > 0 {
		if _, err := tx.Exec(`DELETE FROM files WHERE version_id = ?`, versionID); err != nil {
			return fmt.Errorf("error deleting files of %s: %w", identity, err)
		}
	}
	if postID > 0 {
		if _, err := tx.Exec(`DELETE FROM images WHERE post_id = ?`, postID); err != nil {
			return fmt.Errorf("error deleting images of %s: %w", identity, err)
		}
	}
	return tx.Commit()
}

// RecordFile remembers a file the platform confirmed for its version.
func (d *DB) RecordFile(f models.UploadedFile) error {
	if f.RemoteID <= 0 || f.BLAKE3 == "" {
		return fmt.Errorf("file %s was not confirmed, not recording it", f.LocalPath)
	}
	d.Lock()
	defer d.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO files (version_id, hash_blake3, remote_id, local_path, display_name, size_kb, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.VersionID, f.BLAKE3, f.RemoteID, f.LocalPath, f.DisplayName, f.SizeKB, f.URL)
	if err != nil {
		return fmt.Errorf("error recording file %s: %w", f.LocalPath, err)
	}
	return nil
}

// Files returns the confirmed files of versionID keyed by BLAKE3 digest.
func (d *DB) Files(versionID int) (map[string]models.UploadedFile, error) {
	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.Query(`
		SELECT hash_blake3, remote_id, local_path, display_name, size_kb, url
		FROM files WHERE version_id = ?
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("error querying files of version %d: %w", versionID, err)
	}
	defer rows.Close()

	out := make(map[string]models.UploadedFile)
	for rows.Next() {
		f := models.UploadedFile{VersionID: versionID}
		var sizeKB sql.NullFloat64
		var url sql.NullString
		if err := rows.Scan(&f.BLAKE3, &f.RemoteID, &f.LocalPath, &f.DisplayName, &sizeKB, &url); err != nil {
			return nil, fmt.Errorf("error scanning file row of version %d: %w", versionID, err)
		}
		f.SizeKB = sizeKB.Float64
		f.URL = url.String
		out[f.BLAKE3] = f
	}
	return out, rows.Err()
}

// RecordImage remembers an image attached to its post.
func (d *DB) RecordImage(img models.UploadedImage) error {
	if img.PostID <= 0 || img.BLAKE3 == "" || img.ID == "" {
		return fmt.Errorf("image %s was not attached, not recording it", img.LocalPath)
	}
	d.Lock()
	defer d.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO images (post_id, hash_blake3, image_key, local_path)
		VALUES (?, ?, ?, ?)
	`, img.PostID, img.BLAKE3, img.ID, img.LocalPath)
	if err != nil {
		return fmt.Errorf("error recording image %s: %w", img.LocalPath, err)
	}
	return nil
}

// Images returns the attached images of postID keyed by BLAKE3 digest.
func (d *DB) Images(postID int) (map[string]models.UploadedImage, error) {
	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.Query(`SELECT hash_blake3, image_key, local_path FROM images WHERE post_id = ?`, postID)
	if err != nil {
		return nil, fmt.Errorf("error querying images of post %d: %w", postID, err)
	}
	defer rows.Close()

	out := make(map[string]models.UploadedImage)
	for rows.Next() {
		img := models.UploadedImage{PostID: postID}
		if err := rows.Scan(&img.BLAKE3, &img.ID, &img.LocalPath); err != nil {
			return nil, fmt.Errorf("error scanning image row of post %d: %w", postID, err)
		}
		out[img.BLAKE3] = img
	}
	return out, rows.Err()
}
