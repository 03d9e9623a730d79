// Package store is the single source of truth for the platform: the
// persistent schema, atomic writes, and the query primitives the other
// subsystems build on.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
)

// ErrNotFound is returned when a targeted row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on documented constraint conflicts, e.g. a
// duplicate email.
var ErrConflict = errors.New("conflict")

// Store provides persistence for all server subsystems. Every multi-row
// write runs inside a transaction.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Nodes and telemetry.
	CreateNode(ctx context.Context, node *Node) error
	FindNodeByID(ctx context.Context, id string) (*Node, error)
	UpdateNodeName(ctx context.Context, id string, name *string) (bool, error)
	DeleteNodeByID(ctx context.Context, id string) (bool, error)
	ListNodesWithStats(ctx context.Context) ([]NodeWithStats, error)
	AppendMetric(ctx context.Context, metric *Metric) error
	ListRecentMetrics(ctx context.Context, nodeID string, limit int) ([]Metric, error)
	UpsertSystemInfo(ctx context.Context, nodeID, hash, payload string, reportedTS int64) (bool, error)

	// Users.
	CreateShellUser(ctx context.Context, user *User) error
	FindUserByEmail(ctx context.Context, emailNormalized string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	HasCredentialedAdmin(ctx context.Context) (bool, error)
	HasCredentialedAdminExcludingEmail(ctx context.Context, emailNormalized string) (bool, error)
	HasCredentialedAdminExcludingUser(ctx context.Context, userID string) (bool, error)
	UpdateProfileAndPassword(ctx context.Context, userID, email, displayName, passwordHash string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	RecordLoginSuccess(ctx context.Context, userID, ip string) error
	RecordLoginFailure(ctx context.Context, userID string, lockedUntil *time.Time) error
	DeleteUserByID(ctx context.Context, id string) (bool, error)
	ListUsersWithRoles(ctx context.Context) ([]User, error)

	// Roles and permissions.
	EnsureRole(ctx context.Context, name string, description *string) (*Role, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	FindRolesByNames(ctx context.Context, names []string) ([]Role, error)
	AssignRole(ctx context.Context, userID string, roleID uint) error
	ReplaceUserRoles(ctx context.Context, userID string, roleIDs []uint) error
	ListRolesWithPermissions(ctx context.Context) ([]RoleWithPermissions, error)
	EnsurePermission(ctx context.Context, code string, description *string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ReplaceRolePermissions(ctx context.Context, roleID uint, permissionIDs []uint) error

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	FindActiveSessionByTokenHash(ctx context.Context, tokenHash string) (*SessionPrincipal, error)
	TouchSession(ctx context.Context, id string) error
	RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error

	// Single-use auth tokens.
	CreateResetToken(ctx context.Context, token *AuthToken) error
	RotateResetToken(ctx context.Context, token *AuthToken) error
	FindUsableResetToken(ctx context.Context, tokenHash string) (*AuthToken, error)
	FindActiveResetTokenByUser(ctx context.Context, userID string) (*AuthToken, error)
	ConsumeToken(ctx context.Context, id string) error

	// Maintenance and audit.
	PruneExpired(ctx context.Context) error
	InsertAudit(ctx context.Context, entry *AuditLog) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		// Cascades declared in the models only work with FK enforcement on.
		if err := s.db.WithContext(ctx).
			Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&Role{},
		&Permission{},
		&Session{},
		&AuthToken{},
		&Node{},
		&Metric{},
		&NodeSystemInfo{},
		&AuditLog{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping verifies database connectivity.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	return nil
}

// PruneExpired removes sessions past expiry or revoked, and auth tokens
// past expiry. Consumed tokens are kept for audit.
func (s *store) PruneExpired(ctx context.Context) error {
	now := time.Now().UTC()

	if err := s.db.WithContext(ctx).
		Where("expires_at <= ? OR revoked_at IS NOT NULL", now).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("expires_at <= ? AND consumed_at IS NULL", now).
		Delete(&AuthToken{}).Error; err != nil {
		return fmt.Errorf("pruning auth tokens: %w", err)
	}

	return nil
}

// InsertAudit appends an audit row. Callers treat failures as
// best-effort: log and continue.
func (s *store) InsertAudit(ctx context.Context, entry *AuditLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	return nil
}

// notFound translates gorm's sentinel into the store's.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}
