package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/miragespace/ctfinstancer/instance"
	"github.com/miragespace/ctfinstancer/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Tracker lists the instances the sweep acts upon. *instance.Manager implements it
type Tracker interface {
	ListExpired(ctx context.Context, now time.Time) ([]instance.Instance, error)
	ListTrackedPaths(ctx context.Context) ([]string, error)
}

// Lifecycle tears down deployments. *instance.LifecycleManager implements it
type Lifecycle interface {
	TeardownExpired(ctx context.Context, instanceID uint) (bool, error)
	DestroyDirectory(ctx context.Context, logger *zap.Logger, deploymentPath string) error
	DeploymentsRoot() string
}

// TaskOptions contains the dependencies of the cleanup Task
type TaskOptions struct {
	Instances Tracker
	Lifecycle Lifecycle
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Task expires instances past their lifetime and removes deployments no instance accounts for
type Task struct {
	TaskOptions
}

var _ instance.Sweeper = &Task{}

// NewTask returns a new cleanup Task
func NewTask(option TaskOptions) (*Task, error) {
	if option.Instances == nil {
		return nil, fmt.Errorf("nil Instances is invalid")
	}
	if option.Lifecycle == nil {
		return nil, fmt.Errorf("nil Lifecycle is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// RunSweep performs one reconciliation pass. Failures of individual teardowns are logged and counted,
// an error is only returned when the candidates could not be listed
func (t *Task) RunSweep(ctx context.Context) (*spec.SweepResult, error) {
	result := &spec.SweepResult{}
	expiredErr := t.sweepExpired(ctx, result)
	orphanErr := t.sweepOrphans(ctx, result)
	return result, errors.Join(expiredErr, orphanErr)
}

func (t *Task) sweepExpired(ctx context.Context, result *spec.SweepResult) error {
	expired, err := t.Instances.ListExpired(ctx, t.Clock().UTC())
	if err != nil {
		return extErrors.Wrap(err, "Cannot list expired instances")
	}
	for _, inst := range expired {
		torn, err := t.Lifecycle.TeardownExpired(ctx, inst.ID)
		if err != nil {
			t.Logger.Error("Unable to tear down expired instance",
				zap.Uint("InstanceID", inst.ID),
				zap.Uint("ChallengeID", inst.ChallengeID),
				zap.Error(err),
			)
			result.ExpiredFailures++
			continue
		}
		if torn {
			result.Expired++
		}
	}
	return nil
}

func (t *Task) sweepOrphans(ctx context.Context, result *spec.SweepResult) error {
	// directories first: rows are committed before their directory is created, so a directory
	// listed here is either tracked by the query below or an orphan
	entries, err := os.ReadDir(t.Lifecycle.DeploymentsRoot())
	if err != nil {
		return extErrors.Wrap(err, "Cannot list deployments directory")
	}
	paths, err := t.Instances.ListTrackedPaths(ctx)
	if err != nil {
		return extErrors.Wrap(err, "Cannot list tracked deployments")
	}
	tracked := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		tracked[p] = struct{}{}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := tracked[entry.Name()]; ok {
			continue
		}
		logger := t.Logger.With(zap.String("DeploymentPath", entry.Name()))
		if err := t.Lifecycle.DestroyDirectory(ctx, logger, entry.Name()); err != nil {
			logger.Error("Unable to remove orphaned deployment",
				zap.Error(err),
			)
			result.OrphanFailures++
			continue
		}
		logger.Info("Removed orphaned deployment")
		result.Orphans++
	}
	return nil
}

// Run sweeps immediately and then on every interval until ctx is done
func (t *Task) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = spec.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Task) runOnce(ctx context.Context) {
	start := time.Now()
	result, err := t.RunSweep(ctx)
	if err != nil {
		t.Logger.Error("Sweep did not complete",
			zap.Error(err),
		)
	}
	t.Logger.Debug("Sweep finished",
		zap.Duration("Took", time.Since(start)),
		zap.Int("Expired", result.Expired),
		zap.Int("ExpiredFailures", result.ExpiredFailures),
		zap.Int("Orphans", result.Orphans),
		zap.Int("OrphanFailures", result.OrphanFailures),
	)
}
