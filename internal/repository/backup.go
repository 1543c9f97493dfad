package repository

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

const (
	backupFormatVersion = 1
	backupPrefix        = "catalog-backup-"
	backupSuffix        = ".tar.gz"
	manifestName        = "manifest.json"
)

type backupTable struct {
	name    string
	columns string
	order   string
	serial  bool // has a BIGSERIAL id to resync after restore
}

// Parents come before children so COPY FROM satisfies foreign keys.
var backupTables = []backupTable{
	{
		name: "products",
		columns: "product_id, title, platform, category, price, original_price, currency, rating, review_count, " +
			"sales_count, product_url, store_name, image_urls, keywords, quality_score, data_quality_score, " +
			"source_id, fingerprint, first_seen_at, last_updated_at, scraped_at, is_active",
		order: "product_id",
	},
	{
		name:    "price_history",
		columns: "id, product_id, price, original_price, discount_percent, recorded_at",
		order:   "id",
		serial:  true,
	},
	{
		name:    "hot_comments",
		columns: "id, product_id, text, author, author_followers, likes, replies, commented_at, captured_at",
		order:   "id",
		serial:  true,
	},
	{
		name: "scrape_logs",
		columns: "id, task_id, platform, category, status, records_found, records_saved, error_message, " +
			"started_at, completed_at, duration_ms",
		order:  "id",
		serial: true,
	},
}

type backupManifest struct {
	FormatVersion int             `json:"format_version"`
	CreatedAt     time.Time       `json:"created_at"`
	Tables        []tableManifest `json:"tables"`
}

type tableManifest struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Rows   int64  `json:"rows"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// tableDump is one table's COPY output spooled to a temporary file.
type tableDump struct {
	meta tableManifest
	path string
}

// CreateBackup writes a point-in-time copy of every table to destination.
// A directory destination gets a timestamped file name. All tables are read
// in one REPEATABLE READ read-only transaction, so concurrent writers are
// not blocked and the archive is consistent. Returns the archive path.
func (s *Store) CreateBackup(ctx context.Context, destination string) (string, error) {
	const op = "create_backup"
	createdAt := s.now().UTC()

	path, err := backupPath(destination, createdAt)
	if err != nil {
		return "", wrap(op, err)
	}
	spoolDir, err := os.MkdirTemp(filepath.Dir(path), ".backup-spool-")
	if err != nil {
		return "", wrap(op, err)
	}
	defer os.RemoveAll(spoolDir)

	conn, err := s.acquire(ctx)
	if err != nil {
		return "", wrap(op, err)
	}
	defer conn.Release()

	var dumps []tableDump
	err = pgx.BeginTxFunc(ctx, conn, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		pgConn := tx.Conn().PgConn()
		for _, tbl := range backupTables {
			query := fmt.Sprintf("COPY (SELECT %s FROM %s ORDER BY %s) TO STDOUT WITH (FORMAT csv)", tbl.columns, tbl.name, tbl.order)
			dump, err := spool(spoolDir, tbl.name, func(w io.Writer) (int64, error) {
				tag, err := pgConn.CopyTo(ctx, w, query)
				return tag.RowsAffected(), err
			})
			if err != nil {
				return fmt.Errorf("failed to dump %s: %w", tbl.name, err)
			}
			dumps = append(dumps, dump)
		}
		return nil
	})
	if err != nil {
		return "", wrap(op, err)
	}

	if err := writeArchiveFile(path, createdAt, dumps); err != nil {
		return "", wrap(op, err)
	}

	log.WithField("path", path).Infof("💾 Backup created with %d tables", len(dumps))
	return path, nil
}

// RestoreBackup replaces the live tables with the archive at source. The
// archive is fully verified before any table is touched; the replacement
// runs in one transaction.
func (s *Store) RestoreBackup(ctx context.Context, source string) error {
	const op = "restore_backup"

	f, err := os.Open(source)
	if err != nil {
		return wrap(op, err)
	}
	defer f.Close()

	manifest, files, err := readArchive(f)
	if err != nil {
		return wrap(op, err)
	}
	if err := manifest.verify(files); err != nil {
		return wrap(op, err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer conn.Release()

	err = pgx.BeginTxFunc(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
		names := make([]string, len(backupTables))
		for i, tbl := range backupTables {
			names[i] = tbl.name
		}
		if _, err := tx.Exec(ctx, "TRUNCATE "+strings.Join(names, ", ")+" RESTART IDENTITY"); err != nil {
			return fmt.Errorf("failed to truncate tables: %w", err)
		}

		pgConn := tx.Conn().PgConn()
		for _, tbl := range backupTables {
			meta, _ := manifest.table(tbl.name)
			if err := copyIn(ctx, pgConn, tbl, meta, files[meta.File]); err != nil {
				return err
			}
			if tbl.serial {
				_, err := tx.Exec(ctx, fmt.Sprintf(
					`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), COALESCE((SELECT MAX(id) FROM %[1]s), 0) + 1, false)`,
					tbl.name))
				if err != nil {
					return fmt.Errorf("failed to reset %s sequence: %w", tbl.name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return wrap(op, err)
	}

	log.WithField("path", source).Infof("♻️ Restored backup taken at %s", manifest.CreatedAt.Format(time.RFC3339))
	return nil
}

func copyIn(ctx context.Context, conn *pgconn.PgConn, tbl backupTable, meta tableManifest, data []byte) error {
	query := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv)", tbl.name, tbl.columns)
	tag, err := conn.CopyFrom(ctx, bytes.NewReader(data), query)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", tbl.name, err)
	}
	if tag.RowsAffected() != meta.Rows {
		return fmt.Errorf("%w: %s loaded %d rows, manifest has %d", ErrBackupIntegrity, tbl.name, tag.RowsAffected(), meta.Rows)
	}
	return nil
}

// PruneBackups removes archives in dir older than retention and returns
// the removed paths.
func PruneBackups(dir string, retention time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	cutoff := now.Add(-retention)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func backupPath(destination string, createdAt time.Time) (string, error) {
	if destination == "" {
		return "", errors.New("backup destination is required")
	}
	name := backupPrefix + createdAt.Format("20060102T150405Z") + backupSuffix

	info, err := os.Stat(destination)
	switch {
	case err == nil && info.IsDir():
		return filepath.Join(destination, name), nil
	case strings.HasSuffix(destination, string(os.PathSeparator)):
		if err := os.MkdirAll(destination, 0o755); err != nil {
			return "", fmt.Errorf("failed to create backup dir: %w", err)
		}
		return filepath.Join(destination, name), nil
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	return destination, nil
}

// spool runs write against a temporary file while hashing the bytes.
func spool(dir, table string, write func(io.Writer) (int64, error)) (tableDump, error) {
	f, err := os.CreateTemp(dir, table+"-*.csv")
	if err != nil {
		return tableDump{}, err
	}
	defer f.Close()

	hash := sha256.New()
	counter := &countingWriter{}
	rows, err := write(io.MultiWriter(f, hash, counter))
	if err != nil {
		return tableDump{}, err
	}
	if err := f.Close(); err != nil {
		return tableDump{}, err
	}

	return tableDump{
		meta: tableManifest{
			Name:   table,
			File:   table + ".csv",
			Rows:   rows,
			Bytes:  counter.n,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		},
		path: f.Name(),
	}, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// writeArchiveFile writes the archive next to path and renames it into
// place once complete.
func writeArchiveFile(path string, createdAt time.Time, dumps []tableDump) error {
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := writeArchive(f, createdAt, dumps); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// writeArchive emits a gzip'd tar with the manifest first.
func writeArchive(w io.Writer, createdAt time.Time, dumps []tableDump) error {
	manifest := backupManifest{FormatVersion: backupFormatVersion, CreatedAt: createdAt}
	for _, d := range dumps {
		manifest.Tables = append(manifest.Tables, d.meta)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := writeTarEntry(tw, manifestName, createdAt, int64(len(manifestJSON)), bytes.NewReader(manifestJSON)); err != nil {
		return err
	}
	for _, d := range dumps {
		f, err := os.Open(d.path)
		if err != nil {
			return err
		}
		err = writeTarEntry(tw, d.meta.File, createdAt, d.meta.Bytes, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeTarEntry(tw *tar.Writer, name string, modTime time.Time, size int64, r io.Reader) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    size,
		ModTime: modTime,
	}); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// readArchive loads the manifest and every member into memory.
func readArchive(r io.Reader) (*backupManifest, map[string][]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: not a gzip archive: %v", ErrBackupIntegrity, err)
	}
	defer gz.Close()

	var (
		tr       = tar.NewReader(gz)
		files    = make(map[string][]byte)
		manifest *backupManifest
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: corrupt archive: %v", ErrBackupIntegrity, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: corrupt member %s: %v", ErrBackupIntegrity, hdr.Name, err)
		}
		if hdr.Name == manifestName {
			manifest = &backupManifest{}
			if err := json.Unmarshal(data, manifest); err != nil {
				return nil, nil, fmt.Errorf("%w: unreadable manifest: %v", ErrBackupIntegrity, err)
			}
			continue
		}
		files[hdr.Name] = data
	}
	if manifest == nil {
		return nil, nil, fmt.Errorf("%w: manifest missing", ErrBackupIntegrity)
	}
	return manifest, files, nil
}

func (m *backupManifest) table(name string) (tableManifest, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return tableManifest{}, false
}

// verify checks the format version, that every table is present and that
// each member matches its recorded size and checksum.
func (m *backupManifest) verify(files map[string][]byte) error {
	if m.FormatVersion != backupFormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrBackupIntegrity, m.FormatVersion)
	}
	for _, tbl := range backupTables {
		meta, ok := m.table(tbl.name)
		if !ok {
			return fmt.Errorf("%w: table %s missing from manifest", ErrBackupIntegrity, tbl.name)
		}
		data, ok := files[meta.File]
		if !ok {
			return fmt.Errorf("%w: member %s missing", ErrBackupIntegrity, meta.File)
		}
		if int64(len(data)) != meta.Bytes {
			return fmt.Errorf("%w: %s is %d bytes, manifest has %d", ErrBackupIntegrity, meta.File, len(data), meta.Bytes)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != meta.SHA256 {
			return fmt.Errorf("%w: checksum mismatch for %s", ErrBackupIntegrity, meta.File)
		}
	}
	return nil
}
