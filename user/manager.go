package user

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Users
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for users
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize user.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Create persists a new user
func (m *Manager) Create(ctx context.Context, u *User) error {
	result := m.db.WithContext(ctx).Create(u)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create a new User")
	}
	return nil
}

// GetByID will try to return the user in the database by id
func (m *Manager) GetByID(ctx context.Context, id uint) (*User, error) {
	var u User

	result := m.db.WithContext(ctx).First(&u, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by id")
	}

	return &u, nil
}

// GetByAuthID will try to return the user in the database by identity provider subject
func (m *Manager) GetByAuthID(ctx context.Context, authID string) (*User, error) {
	var u User

	result := m.db.WithContext(ctx).First(&u, "auth_id = ?", authID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by auth id")
	}

	return &u, nil
}
