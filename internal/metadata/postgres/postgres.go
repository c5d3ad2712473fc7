// Package postgres mirrors stored objects into a PostgreSQL files table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/fileinfo"
	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metadata"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/storage"
)

// Store is a PostgreSQL metadata mirror. It implements metadata.Notifier.
type Store struct {
	db *sql.DB
}

var _ metadata.Notifier = (*Store)(nil)

// FileRow maps to the files table.
type FileRow struct {
	ID          string
	Owner       string
	RootFolder  string
	ObjectKey   string
	Name        string
	Path        string
	IsDir       bool
	Size        int64
	ETag        string
	ContentType string
	ModTime     time.Time
}

// New opens and pings the database.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs the *.up.sql files in dir in lexical order. Every migration
// must be idempotent.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", dir)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func rowFor(n metadata.Notification) *FileRow {
	desc := storage.ObjectDescriptor{Key: n.ObjectKey, ETag: n.ETag, Size: n.Size, LastModified: n.ModTime}
	if desc.LastModified.IsZero() {
		desc.LastModified = time.Now()
	}
	v := fileinfo.Project(desc, fileinfo.Mount{Owner: n.Owner, RootFolder: n.RootFolder}, desc.LastModified)
	return &FileRow{
		ID:          v.ID,
		Owner:       n.Owner,
		RootFolder:  n.RootFolder,
		ObjectKey:   n.ObjectKey,
		Name:        v.Name,
		Path:        v.Path,
		IsDir:       v.IsFolder,
		Size:        v.Size,
		ETag:        v.MD5,
		ContentType: v.ContentType,
		ModTime:     desc.LastModified,
	}
}

// UpsertFile inserts or updates a file row keyed by its ID.
func (s *Store) UpsertFile(ctx context.Context, f *FileRow) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, owner, root_folder, object_key, name, path, is_dir, size, etag, content_type, mod_time, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			size = EXCLUDED.size,
			etag = EXCLUDED.etag,
			content_type = EXCLUDED.content_type,
			mod_time = EXCLUDED.mod_time,
			updated_at = NOW()`,
		f.ID, f.Owner, f.RootFolder, f.ObjectKey, f.Name, f.Path, f.IsDir, f.Size, f.ETag, f.ContentType, f.ModTime)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", f.ID, err)
	}

	logging.Debug("upserted file",
		zap.String("id", f.ID),
		zap.Bool("is_dir", f.IsDir),
		zap.Int64("size", f.Size))
	return nil
}

// GetFile returns the row for id, or nil when there is none.
func (s *Store) GetFile(ctx context.Context, id string) (*FileRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	var r FileRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, root_folder, object_key, name, path, is_dir, size, etag, content_type, mod_time
		 FROM files WHERE id = $1`, id).
		Scan(&r.ID, &r.Owner, &r.RootFolder, &r.ObjectKey, &r.Name, &r.Path, &r.IsDir,
			&r.Size, &r.ETag, &r.ContentType, &r.ModTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	return &r, nil
}

// DeleteTree removes the row for id and, for a folder ID, every row below it.
func (s *Store) DeleteTree(ctx context.Context, id string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_tree", time.Since(start)) }()

	var (
		result sql.Result
		err    error
	)
	if strings.HasSuffix(id, "/") {
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM files WHERE id = $1 OR id LIKE $2`, id, escapeLike(id)+"%")
	} else {
		result, err = s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	}
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	logging.Debug("deleted files", zap.String("id", id), zap.Int64("rows", rows))
	return rows, nil
}

// CountOwner returns the number of rows belonging to owner.
func (s *Store) CountOwner(ctx context.Context, owner string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("count_owner", time.Since(start)) }()

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE owner = $1`, owner).Scan(&n)
	return n, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ─── metadata.Notifier ──────────────────────────────────────────────────────

// FileCreated records a new object.
func (s *Store) FileCreated(ctx context.Context, n metadata.Notification) error {
	return s.UpsertFile(ctx, rowFor(n))
}

// FileUpdated records new content for an existing object.
func (s *Store) FileUpdated(ctx context.Context, n metadata.Notification) error {
	return s.UpsertFile(ctx, rowFor(n))
}

// FileDeleted drops the object's row, and its subtree for folders.
func (s *Store) FileDeleted(ctx context.Context, n metadata.Notification) error {
	_, err := s.DeleteTree(ctx, rowFor(n).ID)
	return err
}
