package challenge

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Challenges
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for challenges
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Challenge{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize challenge.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Create persists a new challenge
func (m *Manager) Create(ctx context.Context, chal *Challenge) error {
	result := m.db.WithContext(ctx).Create(chal)
	if result.Error != nil {
		m.logger.Error("Unable to create new challenge in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create challenge")
	}
	return nil
}

// GetByID will try to return the challenge in the database by id. nil is returned if there is no such challenge
func (m *Manager) GetByID(ctx context.Context, id uint) (*Challenge, error) {
	var chal Challenge

	result := m.db.WithContext(ctx).First(&chal, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get challenge by id")
	}

	return &chal, nil
}

// List returns every challenge, hidden ones included when all is set
func (m *Manager) List(ctx context.Context, all bool) ([]Challenge, error) {
	results := make([]Challenge, 0, 1)
	baseQuery := m.db.WithContext(ctx).Order("id asc")
	if !all {
		baseQuery = baseQuery.Where("hidden = ?", false)
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list challenges")
	}
	return results, nil
}
