package settings

import (
	"context"
	"encoding/json"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting is a single persisted key/value pair. Value holds JSON.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

const (
	keyFreezeCtf              = "FreezeCtf"
	keyEnableSpawningCooldown = "EnableSpawningCooldown"
	keyCooldownTimespan       = "CooldownTimespan"
	keyCooldownLimit          = "CooldownLimit"
)

// Manager is a Provider backed by the settings table
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Provider = &Manager{}

// NewManager returns a new Manager for settings
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize settings.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *Manager) fields(s *Settings) map[string]interface{} {
	return map[string]interface{}{
		keyFreezeCtf:              &s.FreezeCtf,
		keyEnableSpawningCooldown: &s.EnableSpawningCooldown,
		keyCooldownTimespan:       &s.CooldownTimespan,
		keyCooldownLimit:          &s.CooldownLimit,
	}
}

// GetSettings reads the current settings. Missing keys keep their zero value.
func (m *Manager) GetSettings(ctx context.Context) (*Settings, error) {
	var rows []Setting
	if result := m.db.WithContext(ctx).Find(&rows); result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot read settings")
	}

	s := &Settings{}
	fields := m.fields(s)
	for _, row := range rows {
		target, ok := fields[row.Key]
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(row.Value), target); err != nil {
			m.logger.Error("Malformed setting value",
				zap.String("Key", row.Key),
				zap.Error(err),
			)
			return nil, extErrors.Wrapf(err, "Cannot decode setting %s", row.Key)
		}
	}
	return s, nil
}

// SaveSettings upserts every field of s
func (m *Manager) SaveSettings(ctx context.Context, s *Settings) error {
	rows := make([]Setting, 0, 4)
	for key, value := range m.fields(s) {
		encoded, err := json.Marshal(value)
		if err != nil {
			return extErrors.Wrapf(err, "Cannot encode setting %s", key)
		}
		rows = append(rows, Setting{Key: key, Value: string(encoded)})
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&rows)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot save settings")
	}
	return nil
}
