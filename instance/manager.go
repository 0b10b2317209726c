package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miragespace/ctfinstancer/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReleaseOutcome is the decision taken by Manager.ReleaseJoin
type ReleaseOutcome int

// Possible outcomes of releasing a join
const (
	// the caller had no live join on the instance
	ReleaseNoop ReleaseOutcome = iota
	// the caller's join was kill-processed while other users stay on the instance
	ReleaseDetached
	// the caller is the last live join, the instance is retired and has to be torn down.
	// The join is left untouched so a failed teardown can be retried
	ReleaseLast
)

// Manager handles the database operations relating to Instance and UserInstance
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = &Manager{}

// NewManager returns a new Manager for instances
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Instance{}, &UserInstance{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize instance.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Create persists the instance together with its join records in one transaction
func (m *Manager) Create(ctx context.Context, inst *Instance) error {
	result := m.db.WithContext(ctx).Create(inst)
	if result.Error != nil {
		m.logger.Error("Unable to create new instance in database",
			zap.Uint("ChallengeID", inst.ChallengeID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create instance")
	}
	return nil
}

func (m *Manager) GetByID(ctx context.Context, id uint) (*Instance, error) {
	inst := Instance{}

	result := m.db.WithContext(ctx).Preload("UserInstances").Where("id = ?", id).Take(&inst)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get instance by id")
	}

	return &inst, nil
}

// FindLive returns the instance the user holds a live join on for the challenge, unless it is retired or destroyed
func (m *Manager) FindLive(ctx context.Context, challengeID, userID uint) (*Instance, error) {
	inst := Instance{}

	joined := m.db.Model(&UserInstance{}).
		Select("instance_id").
		Where("challenge_id = ? AND user_id = ? AND kill_processed = ?", challengeID, userID, false)
	result := m.db.WithContext(ctx).
		Preload("UserInstances").
		Where("id IN (?) AND destroyed = ? AND retired = ?", joined, false, false).
		Order("id desc").
		Take(&inst)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot find live instance")
	}

	return &inst, nil
}

// joinable restricts a query to instances new users may still be attached to
func joinable(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where("destroyed = ? AND retired = ? AND expiry > ?", false, false, now)
}

// FindShared returns the oldest instance of the challenge that can still be joined at now
func (m *Manager) FindShared(ctx context.Context, challengeID uint, now time.Time) (*Instance, error) {
	inst := Instance{}

	result := joinable(m.db.WithContext(ctx), now).
		Preload("UserInstances").
		Where("challenge_id = ?", challengeID).
		Order("id asc").
		Take(&inst)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot find shared instance")
	}

	return &inst, nil
}

// JoinShared extends the expiry of a joinable instance and attaches the join to it in one transaction.
// It returns nil without error when the instance was retired, expired or destroyed in the meantime
func (m *Manager) JoinShared(ctx context.Context, instanceID uint, join *UserInstance, now, expiry time.Time) (*Instance, error) {
	var joined bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Instance
		lookupRes := joinable(tx.Clauses(clause.Locking{Strength: "UPDATE"}), now).
			Where("id = ?", instanceID).
			Take(&current)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if res := tx.Model(&current).Update("expiry", expiry); res.Error != nil {
			return res.Error
		}
		join.InstanceID = current.ID
		if res := tx.Create(join); res.Error != nil {
			return res.Error
		}
		joined = true
		return nil
	})
	if err != nil {
		m.logger.Error("Unable to join shared instance",
			zap.Uint("InstanceID", instanceID),
			zap.Uint("UserID", join.UserID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot join shared instance")
	}
	if !joined {
		return nil, nil
	}
	return m.GetByID(ctx, instanceID)
}

// DeploymentPathExists reports whether any instance, destroyed or not, uses the path
func (m *Manager) DeploymentPathExists(ctx context.Context, path string) (bool, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&Instance{}).Where("deployment_path = ?", path).Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot check deployment path")
	}
	return count > 0, nil
}

// SetProvisioned records the outcome of a successful deployment
func (m *Manager) SetProvisioned(ctx context.Context, id uint, host, loggingInfo string, outputs spec.Outputs) error {
	result := m.db.WithContext(ctx).
		Model(&Instance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"host":         host,
			"logging_info": loggingInfo,
			"outputs":      outputs,
		})
	if result.Error != nil {
		m.logger.Error("Unable to persist provisioning result",
			zap.Uint("InstanceID", id),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update provisioned instance")
	}
	return nil
}

// ReleaseJoin decides, while holding a row lock on the instance, whether the user is the last live
// join. Two users leaving concurrently therefore cannot both see the other one still attached.
// The last leaver retires the instance in the same transaction, so no one joins it during teardown
func (m *Manager) ReleaseJoin(ctx context.Context, instanceID, userID uint, now time.Time) (ReleaseOutcome, error) {
	outcome := ReleaseNoop
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Instance
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND destroyed = ?", instanceID, false).
			Take(&current)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		var live []UserInstance
		if res := tx.Where("instance_id = ? AND kill_processed = ?", instanceID, false).Find(&live); res.Error != nil {
			return res.Error
		}
		mine, others := 0, 0
		for _, ui := range live {
			if ui.UserID == userID {
				mine++
			} else {
				others++
			}
		}
		switch {
		case mine == 0:
			return nil
		case others == 0:
			if err := retire(tx, &current, now); err != nil {
				return err
			}
			outcome = ReleaseLast
			return nil
		}

		res := tx.Model(&UserInstance{}).
			Where("instance_id = ? AND user_id = ? AND kill_processed = ?", instanceID, userID, false).
			Update("kill_processed", true)
		if res.Error != nil {
			return res.Error
		}
		outcome = ReleaseDetached
		return nil
	})
	if err != nil {
		m.logger.Error("Unable to release join",
			zap.Uint("InstanceID", instanceID),
			zap.Uint("UserID", userID),
			zap.Error(err),
		)
		return ReleaseNoop, extErrors.Wrap(err, "Cannot release join")
	}
	return outcome, nil
}

func retire(tx *gorm.DB, current *Instance, now time.Time) error {
	updates := map[string]interface{}{
		"retired": true,
	}
	if current.Expiry.After(now) {
		updates["expiry"] = now
	}
	if res := tx.Model(current).Updates(updates); res.Error != nil {
		return res.Error
	}
	current.Retired = true
	if current.Expiry.After(now) {
		current.Expiry = now
	}
	return nil
}

// Retire claims the instance for teardown: it stops being joinable and its expiry is brought
// forward to now, so the sweep retries it should the teardown fail. With expiredOnly, an instance
// whose expiry lies after now is left alone unless it was already retired.
// It returns nil without error when there is nothing to claim
func (m *Manager) Retire(ctx context.Context, id uint, now time.Time, expiredOnly bool) (*Instance, error) {
	var claimed *Instance
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Instance
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND destroyed = ?", id, false).
			Take(&current)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if expiredOnly && !current.Retired && current.Expiry.After(now) {
			return nil
		}
		if err := retire(tx, &current, now); err != nil {
			return err
		}
		claimed = &current
		return nil
	})
	if err != nil {
		m.logger.Error("Unable to retire instance",
			zap.Uint("InstanceID", id),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot retire instance")
	}
	return claimed, nil
}

// MarkDestroyed flags the instance as destroyed and kill-processes every join on it
func (m *Manager) MarkDestroyed(ctx context.Context, id uint) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res := tx.Model(&Instance{}).Where("id = ?", id).Update("destroyed", true); res.Error != nil {
			return res.Error
		}
		res := tx.Model(&UserInstance{}).
			Where("instance_id = ? AND kill_processed = ?", id, false).
			Update("kill_processed", true)
		return res.Error
	})
	if err != nil {
		m.logger.Error("Unable to mark instance as destroyed",
			zap.Uint("InstanceID", id),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot mark instance as destroyed")
	}
	return nil
}

// ListExpired returns the non-destroyed instances whose expiry is at or before now
func (m *Manager) ListExpired(ctx context.Context, now time.Time) ([]Instance, error) {
	results := make([]Instance, 0)
	result := m.db.WithContext(ctx).
		Where("destroyed = ? AND expiry <= ?", false, now).
		Order("id asc").
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list expired instances")
	}
	return results, nil
}

// ListTrackedPaths returns the deployment paths of every non-destroyed instance
func (m *Manager) ListTrackedPaths(ctx context.Context) ([]string, error) {
	paths := make([]string, 0)
	result := m.db.WithContext(ctx).
		Model(&Instance{}).
		Where("destroyed = ?", false).
		Pluck("deployment_path", &paths)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list deployment paths")
	}
	return paths, nil
}

// List returns instances, most recent first. Destroyed instances are only included with all
func (m *Manager) List(ctx context.Context, all bool) ([]Instance, error) {
	results := make([]Instance, 0)
	baseQuery := m.db.WithContext(ctx).Preload("UserInstances").Order("id desc")
	if !all {
		baseQuery = baseQuery.Where("destroyed = ?", false)
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list instances")
	}
	return results, nil
}

// RequestsSince returns the user's join timestamps at or after since, oldest first
func (m *Manager) RequestsSince(ctx context.Context, userID uint, since time.Time) ([]time.Time, error) {
	requests := make([]time.Time, 0)
	result := m.db.WithContext(ctx).
		Model(&UserInstance{}).
		Where("user_id = ? AND request_created >= ?", userID, since).
		Order("request_created asc").
		Pluck("request_created", &requests)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list recent requests")
	}
	return requests, nil
}
