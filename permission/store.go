package permission

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// RoleStore loads the role to permission mapping at startup
type RoleStore interface {
	LoadRoles(ctx context.Context) (map[string][]string, error)
}

// StaticStore serves a fixed role table
type StaticStore map[string][]string

// LoadRoles implements RoleStore
func (s StaticStore) LoadRoles(context.Context) (map[string][]string, error) {
	out := make(map[string][]string, len(s))
	for role, perms := range s {
		out[role] = append([]string(nil), perms...)
	}
	return out, nil
}

// RoleGrant is one role to permission row
type RoleGrant struct {
	ID         uint   `gorm:"primaryKey"`
	Role       string `gorm:"size:64;not null;uniqueIndex:idx_role_permission"`
	Permission string `gorm:"size:255;not null;uniqueIndex:idx_role_permission"`
	CreatedAt  time.Time
}

// TableName implements gorm's tabler
func (RoleGrant) TableName() string {
	return "role_permissions"
}

// GormStore persists role grants in a SQL database
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens a SQLite backed store and migrates its schema
func OpenSQLite(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open permission store: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps db and migrates the role_permissions table
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&RoleGrant{}); err != nil {
		return nil, fmt.Errorf("failed to migrate permission store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Grant adds permissions to role, ignoring existing grants
func (s *GormStore) Grant(ctx context.Context, role string, perms ...string) error {
	if len(perms) == 0 {
		return nil
	}
	rows := make([]RoleGrant, 0, len(perms))
	for _, p := range perms {
		if _, err := Parse(p); err != nil {
			return err
		}
		rows = append(rows, RoleGrant{Role: role, Permission: p})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Revoke removes permissions from role
func (s *GormStore) Revoke(ctx context.Context, role string, perms ...string) error {
	return s.db.WithContext(ctx).
		Where("role = ? AND permission IN ?", role, perms).
		Delete(&RoleGrant{}).Error
}

// Seed grants every role in roles that has no rows yet
func (s *GormStore) Seed(ctx context.Context, roles map[string][]string) error {
	for role, perms := range roles {
		var count int64
		if err := s.db.WithContext(ctx).Model(&RoleGrant{}).Where("role = ?", role).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := s.Grant(ctx, role, perms...); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role, err)
		}
	}
	return nil
}

// LoadRoles implements RoleStore
func (s *GormStore) LoadRoles(ctx context.Context) (map[string][]string, error) {
	var rows []RoleGrant
	if err := s.db.WithContext(ctx).Order("role, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	out := make(map[string][]string)
	for _, row := range rows {
		out[row.Role] = append(out[row.Role], row.Permission)
	}
	return out, nil
}

// Close releases the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadInto merges roles from store into r
func LoadInto(ctx context.Context, r *Roles, store RoleStore) error {
	roles, err := store.LoadRoles(ctx)
	if err != nil {
		return err
	}
	r.Merge(roles)
	return nil
}
