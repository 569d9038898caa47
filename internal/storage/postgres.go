package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FileStructure is a row of the durable document tree
type FileStructure struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"userId"`
	Path             string    `json:"path"`
	SharedUniqueHash string    `json:"sharedUniqueHash"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PublicShare is a public-link share of a file structure
type PublicShare struct {
	ID              int64     `json:"id"`
	FileStructureID int64     `json:"fileStructureId"`
	UserID          int64     `json:"userId"`
	Disabled        bool      `json:"disabled"`
	CreatedAt       time.Time `json:"createdAt"`

	FileStructure *FileStructure `json:"fileStructure,omitempty"`
}

// StorageConfig holds configuration for the Postgres adapter
type StorageConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultStorageConfig returns sensible defaults
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// PostgresAdapter exposes the durable document repository and the
// public-share repository over a single connection pool.
type PostgresAdapter struct {
	config    *StorageConfig
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresAdapter creates a new PostgreSQL adapter
func NewPostgresAdapter(config *StorageConfig) *PostgresAdapter {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresAdapter{
		config: config,
	}
}

// Connect establishes connection to PostgreSQL
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool
func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresAdapter) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity
func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// FileStructureByID retrieves a file structure owned by the given user
func (p *PostgresAdapter) FileStructureByID(ctx context.Context, userID, fileStructureID int64) (*FileStructure, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT id, user_id, path, shared_unique_hash, created_at, updated_at
		FROM file_structures
		WHERE id = $1 AND user_id = $2
	`
	row := p.pool.QueryRow(ctx, query, fileStructureID, userID)

	var fs FileStructure
	err := row.Scan(&fs.ID, &fs.UserID, &fs.Path, &fs.SharedUniqueHash, &fs.CreatedAt, &fs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewNotFoundError("file structure", strconv.FormatInt(fileStructureID, 10))
		}
		return nil, NewQueryError("failed to get file structure", err)
	}

	return &fs, nil
}

// PathByID retrieves only the stored path of a file structure
func (p *PostgresAdapter) PathByID(ctx context.Context, userID, fileStructureID int64) (string, error) {
	if !p.IsConnected() {
		return "", ErrNotConnected
	}

	query := `SELECT path FROM file_structures WHERE id = $1 AND user_id = $2`
	row := p.pool.QueryRow(ctx, query, fileStructureID, userID)

	var path string
	if err := row.Scan(&path); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", NewNotFoundError("file structure", strconv.FormatInt(fileStructureID, 10))
		}
		return "", NewQueryError("failed to get file structure path", err)
	}

	return path, nil
}

// ReplaceText overwrites the stored document text, attributed to the user
func (p *PostgresAdapter) ReplaceText(ctx context.Context, fileStructureID int64, text string, userID int64) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		UPDATE file_structures
		SET text = $2, updated_at = NOW()
		WHERE id = $1 AND user_id = $3
	`
	result, err := p.pool.Exec(ctx, query, fileStructureID, text, userID)
	if err != nil {
		return NewQueryError("failed to replace document text", err)
	}
	if result.RowsAffected() == 0 {
		return NewNotFoundError("file structure", strconv.FormatInt(fileStructureID, 10))
	}
	return nil
}

// ShareIsEnabled reports whether public sharing is active for the
// document/user pair
func (p *PostgresAdapter) ShareIsEnabled(ctx context.Context, userID, fileStructureID int64) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	query := `
		SELECT NOT disabled
		FROM file_structure_public_shares
		WHERE file_structure_id = $1 AND user_id = $2
	`
	row := p.pool.QueryRow(ctx, query, fileStructureID, userID)

	var enabled bool
	if err := row.Scan(&enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, NewQueryError("failed to check public share", err)
	}

	return enabled, nil
}

// ShareByFileAndUser retrieves a public share together with its file structure
func (p *PostgresAdapter) ShareByFileAndUser(ctx context.Context, fileStructureID, userID int64) (*PublicShare, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT s.id, s.file_structure_id, s.user_id, s.disabled, s.created_at,
		       f.id, f.user_id, f.path, f.shared_unique_hash, f.created_at, f.updated_at
		FROM file_structure_public_shares s
		JOIN file_structures f ON f.id = s.file_structure_id
		WHERE s.file_structure_id = $1 AND s.user_id = $2
	`
	row := p.pool.QueryRow(ctx, query, fileStructureID, userID)

	var share PublicShare
	var fs FileStructure
	err := row.Scan(
		&share.ID, &share.FileStructureID, &share.UserID, &share.Disabled, &share.CreatedAt,
		&fs.ID, &fs.UserID, &fs.Path, &fs.SharedUniqueHash, &fs.CreatedAt, &fs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewNotFoundError("public share", strconv.FormatInt(fileStructureID, 10))
		}
		return nil, NewQueryError("failed to get public share", err)
	}

	share.FileStructure = &fs
	return &share, nil
}
