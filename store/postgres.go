package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const defaultSchema = "public"

var fileColumns = []string{
	"file_id", "upload_id", "object_id", "storage_key", "owner_email", "name", "mime_type",
	"size_bytes", "total_chunks", "published", "downloads", "created_at", "updated_at",
}

// RunMigrations applies the embedded schema migrations inside schema through
// a separate database/sql handle whose search_path points at that schema.
func RunMigrations(ctx context.Context, dsn string, schema string, logger logging.Logger) error {
	connCfg, err := migrationConnConfig(dsn, schema)
	if err != nil {
		return err
	}
	schema = connCfg.RuntimeParams["search_path"]

	sqldb := stdlib.OpenDB(*connCfg)
	defer sqldb.Close()

	if _, err := sqldb.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	driver, err := postgres.WithInstance(sqldb, &postgres.Config{SchemaName: schema})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	logger.Info("applying migrations", "schema", schema)
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

func migrationConnConfig(dsn string, schema string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if schema == "" {
		schema = defaultSchema
	}
	cfg.RuntimeParams["search_path"] = schema
	return cfg, nil
}

type PostgresFileStoreImpl struct {
	pool   *pgxpool.Pool
	schema string

	logger logging.Logger
}

func NewPostgresFileStoreImpl(ctx context.Context, dsn string, schema string, l logging.Logger) (*PostgresFileStoreImpl, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	if schema == "" {
		schema = defaultSchema
	}
	return &PostgresFileStoreImpl{pool: pool, schema: schema, logger: l}, nil
}

func (s *PostgresFileStoreImpl) Close() {
	s.pool.Close()
}

func (s *PostgresFileStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return s.pool.Ping(ctx)
}

func (s *PostgresFileStoreImpl) Name() string {
	return "FileStore[postgres]"
}

func (s *PostgresFileStoreImpl) qb() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (s *PostgresFileStoreImpl) table() string {
	return pgx.Identifier{s.schema, "files"}.Sanitize()
}

func (s *PostgresFileStoreImpl) Register(ctx context.Context, file models.File) error {
	q := s.qb().Insert(s.table()).
		Columns(fileColumns...).
		Values(
			file.FileId, file.UploadId, file.ObjectId, file.StorageKey, file.OwnerEmail, file.Name, file.MimeType,
			file.Size, file.TotalChunks, file.Published, file.Downloads, file.CreatedAt, file.UpdatedAt,
		).
		Suffix(`ON CONFLICT (file_id) DO UPDATE SET
			object_id = EXCLUDED.object_id,
			storage_key = EXCLUDED.storage_key,
			name = EXCLUDED.name,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			total_chunks = EXCLUDED.total_chunks,
			updated_at = EXCLUDED.updated_at`)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, sqlStr, args...); err != nil {
		s.logger.Error("failed to register file", "file_id", file.FileId, "error", err)
		return err
	}
	return nil
}

func (s *PostgresFileStoreImpl) Get(ctx context.Context, fileID string) (*models.File, error) {
	sqlStr, args, err := s.qb().Select(fileColumns...).
		From(s.table()).
		Where(sq.Eq{"file_id": fileID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	file, err := scanFile(s.pool.QueryRow(ctx, sqlStr, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *PostgresFileStoreImpl) ListByOwner(ctx context.Context, ownerEmail string) ([]models.File, error) {
	sqlStr, args, err := s.qb().Select(fileColumns...).
		From(s.table()).
		Where(sq.Eq{"owner_email": ownerEmail}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []models.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *PostgresFileStoreImpl) SetPublished(ctx context.Context, fileID string, displayName string, published bool) error {
	q := s.qb().Update(s.table()).
		Set("published", published).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"file_id": fileID})
	if displayName != "" {
		q = q.Set("name", displayName)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrFileNotFound
	}
	return nil
}

func (s *PostgresFileStoreImpl) IncrementDownloads(ctx context.Context, fileID string) (int64, error) {
	sqlStr, args, err := s.qb().Update(s.table()).
		Set("downloads", sq.Expr("downloads + 1")).
		Where(sq.Eq{"file_id": fileID}).
		Suffix("RETURNING downloads").
		ToSql()
	if err != nil {
		return 0, err
	}

	var downloads int64
	err = s.pool.QueryRow(ctx, sqlStr, args...).Scan(&downloads)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperror.ErrFileNotFound
	}
	return downloads, err
}

func (s *PostgresFileStoreImpl) Delete(ctx context.Context, fileID string) error {
	sqlStr, args, err := s.qb().Delete(s.table()).
		Where(sq.Eq{"file_id": fileID}).
		ToSql()
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrFileNotFound
	}
	return nil
}

func scanFile(row pgx.Row) (models.File, error) {
	var f models.File
	err := row.Scan(
		&f.FileId, &f.UploadId, &f.ObjectId, &f.StorageKey, &f.OwnerEmail, &f.Name, &f.MimeType,
		&f.Size, &f.TotalChunks, &f.Published, &f.Downloads, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}
