package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/miragespace/ctfinstancer/challenge"
	"github.com/miragespace/ctfinstancer/lock"
	"github.com/miragespace/ctfinstancer/provision"
	"github.com/miragespace/ctfinstancer/spec"
	"github.com/miragespace/ctfinstancer/spec/broker"
	"github.com/miragespace/ctfinstancer/user"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxPathAttempts = 8

// Store is the persistence needed by the LifecycleManager. *Manager implements it
type Store interface {
	GetByID(ctx context.Context, id uint) (*Instance, error)
	FindLive(ctx context.Context, challengeID, userID uint) (*Instance, error)
	FindShared(ctx context.Context, challengeID uint, now time.Time) (*Instance, error)
	JoinShared(ctx context.Context, instanceID uint, join *UserInstance, now, expiry time.Time) (*Instance, error)
	Create(ctx context.Context, inst *Instance) error
	DeploymentPathExists(ctx context.Context, path string) (bool, error)
	SetProvisioned(ctx context.Context, id uint, host, loggingInfo string, outputs spec.Outputs) error
	ReleaseJoin(ctx context.Context, instanceID, userID uint, now time.Time) (ReleaseOutcome, error)
	Retire(ctx context.Context, id uint, now time.Time, expiredOnly bool) (*Instance, error)
	MarkDestroyed(ctx context.Context, id uint) error
	List(ctx context.Context, all bool) ([]Instance, error)
}

// ChallengeStore resolves challenges. *challenge.Manager implements it
type ChallengeStore interface {
	GetByID(ctx context.Context, id uint) (*challenge.Challenge, error)
}

// UserStore resolves users. *user.Manager implements it
type UserStore interface {
	GetByID(ctx context.Context, id uint) (*user.User, error)
}

// Gate decides whether a user may create a new join. *cooldown.Gate implements it
type Gate interface {
	Check(ctx context.Context, userID uint) error
	GetCooldownExpiry(ctx context.Context, userID uint) (*time.Time, error)
}

// LifecycleOptions contains the dependencies of the LifecycleManager
type LifecycleOptions struct {
	Instances  Store
	Challenges ChallengeStore
	Users      UserStore
	Engine     provision.Engine
	Gate       Gate
	Locker     lock.Locker
	Publisher  broker.Publisher
	Logger     *zap.Logger

	// ManifestDirectory holds the challenge manifests. Deployments live in its "deployments" subdirectory
	ManifestDirectory string
	Clock             func() time.Time
}

// LifecycleManager provisions, joins, releases and tears down challenge instances
type LifecycleManager struct {
	LifecycleOptions
	deploymentsRoot string
}

// NewLifecycleManager returns a LifecycleManager and creates the deployments root if needed
func NewLifecycleManager(option LifecycleOptions) (*LifecycleManager, error) {
	if option.Instances == nil {
		return nil, fmt.Errorf("nil Instances is invalid")
	}
	if option.Challenges == nil {
		return nil, fmt.Errorf("nil Challenges is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Engine == nil {
		return nil, fmt.Errorf("nil Engine is invalid")
	}
	if option.Gate == nil {
		return nil, fmt.Errorf("nil Gate is invalid")
	}
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Publisher == nil {
		return nil, fmt.Errorf("nil Publisher is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.ManifestDirectory) == 0 {
		return nil, fmt.Errorf("empty ManifestDirectory is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	root, err := filepath.Abs(filepath.Join(option.ManifestDirectory, spec.DeploymentsDirectory))
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot resolve deployments directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, extErrors.Wrap(err, "Cannot create deployments directory")
	}
	return &LifecycleManager{
		LifecycleOptions: option,
		deploymentsRoot:  root,
	}, nil
}

// DeploymentsRoot is the directory holding one working directory per deployment
func (l *LifecycleManager) DeploymentsRoot() string {
	return l.deploymentsRoot
}

// DeploymentDir returns the working directory of the deployment path
func (l *LifecycleManager) DeploymentDir(deploymentPath string) string {
	return filepath.Join(l.deploymentsRoot, deploymentPath)
}

func (l *LifecycleManager) now() time.Time {
	return l.Clock().UTC()
}

// List returns instances, most recent first. Destroyed instances are only included with all
func (l *LifecycleManager) List(ctx context.Context, all bool) ([]Instance, error) {
	return l.Instances.List(ctx, all)
}

// Lookup returns the user's live instance for the challenge, or nil
func (l *LifecycleManager) Lookup(ctx context.Context, challengeID, userID uint) (*Instance, error) {
	return l.Instances.FindLive(ctx, challengeID, userID)
}

// Acquire returns the user's live instance for the challenge, joining the running instance of a
// shared challenge or deploying a new one when needed
func (l *LifecycleManager) Acquire(ctx context.Context, challengeID, userID uint) (*Instance, error) {
	logger := l.Logger.With(
		zap.Uint("ChallengeID", challengeID),
		zap.Uint("UserID", userID),
	)

	inst, err := l.Instances.FindLive(ctx, challengeID, userID)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}

	chal, err := l.Challenges.GetByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if chal == nil {
		return nil, &OperationError{Kind: ErrNotFound, Cause: fmt.Errorf("challenge %d does not exist", challengeID)}
	}
	usr, err := l.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if usr == nil {
		return nil, &OperationError{Kind: ErrNotFound, Cause: fmt.Errorf("user %d does not exist", userID)}
	}

	inst, fresh, err := l.reserve(ctx, chal, userID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return inst, nil
	}

	logger = logger.With(
		zap.Uint("InstanceID", inst.ID),
		zap.String("DeploymentPath", inst.DeploymentPath),
	)
	if err := l.deploy(ctx, logger, chal, inst); err != nil {
		// no one may join a broken deployment, the sweep destroys it on its next pass
		if _, rErr := l.Instances.Retire(ctx, inst.ID, l.now(), false); rErr != nil {
			logger.Error("Cannot retire failed deployment", zap.Error(rErr))
		}
		l.publish(logger, spec.EventDeployFailed, inst, userID)
		return nil, &OperationError{Kind: ErrProvisioningFailed, InstanceID: inst.ID, Cause: err}
	}
	l.publish(logger, spec.EventDeployed, inst, userID)
	return inst, nil
}

func reservationKey(chal *challenge.Challenge, userID uint) string {
	key := "challenge:" + strconv.FormatUint(uint64(chal.ID), 10)
	if chal.Shared {
		return key
	}
	return key + ":user:" + strconv.FormatUint(uint64(userID), 10)
}

// reserve writes the join, and the instance row if a new deployment is needed, while holding the
// creation reservation. fresh is true when the returned instance still has to be deployed
func (l *LifecycleManager) reserve(ctx context.Context, chal *challenge.Challenge, userID uint) (inst *Instance, fresh bool, err error) {
	unlock, err := l.Locker.Lock(ctx, reservationKey(chal, userID))
	if err != nil {
		return nil, false, extErrors.Wrap(err, "Cannot acquire creation reservation")
	}
	defer unlock()

	// a concurrent request of the same user may have won the reservation first
	inst, err = l.Instances.FindLive(ctx, chal.ID, userID)
	if err != nil {
		return nil, false, err
	}
	if inst != nil {
		return inst, false, nil
	}

	if err := l.Gate.Check(ctx, userID); err != nil {
		return nil, false, err
	}

	now := l.now()
	expiry := now.Add(chal.Expiry())
	join := UserInstance{
		UserID:         userID,
		ChallengeID:    chal.ID,
		RequestCreated: now,
	}

	if chal.Shared {
		shared, err := l.Instances.FindShared(ctx, chal.ID, now)
		if err != nil {
			return nil, false, err
		}
		if shared != nil {
			joined, err := l.Instances.JoinShared(ctx, shared.ID, &join, now, expiry)
			if err != nil {
				return nil, false, err
			}
			if joined != nil {
				l.publish(l.Logger, spec.EventJoined, joined, userID)
				return joined, false, nil
			}
			// retired between lookup and join, deploy a new one instead
		}
	}

	path, err := l.newDeploymentPath(ctx)
	if err != nil {
		return nil, false, err
	}
	inst = &Instance{
		ChallengeID:    chal.ID,
		Expiry:         expiry,
		DeploymentPath: path,
		Outputs:        spec.Outputs{},
		UserInstances:  []UserInstance{join},
	}
	if err := l.Instances.Create(ctx, inst); err != nil {
		return nil, false, err
	}
	return inst, true, nil
}

func (l *LifecycleManager) newDeploymentPath(ctx context.Context) (string, error) {
	for i := 0; i < maxPathAttempts; i++ {
		path := uuid.New().String()
		if _, err := os.Stat(l.DeploymentDir(path)); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", extErrors.Wrap(err, "Cannot check deployment directory")
		}
		used, err := l.Instances.DeploymentPathExists(ctx, path)
		if err != nil {
			return "", err
		}
		if !used {
			return path, nil
		}
	}
	return "", fmt.Errorf("no unused deployment path after %d attempts", maxPathAttempts)
}

func (l *LifecycleManager) deploy(ctx context.Context, logger *zap.Logger, chal *challenge.Challenge, inst *Instance) error {
	workDir := l.DeploymentDir(inst.DeploymentPath)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.Error("Cannot create deployment directory", zap.Error(err))
		return extErrors.Wrap(err, "Cannot create deployment directory")
	}

	manifest, err := filepath.Abs(filepath.Join(l.ManifestDirectory, chal.ManifestPath))
	if err != nil {
		return extErrors.Wrap(err, "Cannot resolve manifest path")
	}
	moduleRef, err := filepath.Rel(workDir, manifest)
	if err != nil {
		return extErrors.Wrap(err, "Cannot resolve manifest path")
	}

	if err := l.Engine.Initialize(ctx, workDir, moduleRef); err != nil {
		logProvisionError(logger, "Cannot initialize deployment", err)
		return err
	}
	if err := l.Engine.Apply(ctx, workDir); err != nil {
		logProvisionError(logger, "Cannot apply deployment", err)
		return err
	}
	outputs, err := l.Engine.ReadOutputs(ctx, workDir)
	if err != nil {
		logProvisionError(logger, "Cannot read deployment outputs", err)
		return err
	}

	host := provision.FormatTemplate(chal.HostFormat, outputs)
	loggingInfo := provision.FormatTemplate(chal.LoggingInfoFormat, outputs)
	if err := l.Instances.SetProvisioned(ctx, inst.ID, host, loggingInfo, spec.Outputs(outputs)); err != nil {
		return err
	}
	inst.Host = host
	inst.LoggingInfo = loggingInfo
	inst.Outputs = spec.Outputs(outputs)

	logger.Info("Instance deployed",
		zap.String("Host", host),
	)
	return nil
}

// Release detaches the user from the instance, tearing it down when the user was the last one on it.
// Releasing without a live join is a no-op
func (l *LifecycleManager) Release(ctx context.Context, instanceID, userID uint) error {
	logger := l.Logger.With(
		zap.Uint("InstanceID", instanceID),
		zap.Uint("UserID", userID),
	)

	outcome, err := l.Instances.ReleaseJoin(ctx, instanceID, userID, l.now())
	if err != nil {
		return err
	}

	switch outcome {
	case ReleaseDetached:
		l.publish(logger, spec.EventReleased, &Instance{ID: instanceID}, userID)
		return nil
	case ReleaseLast:
		if err := l.Teardown(ctx, instanceID); err != nil {
			return err
		}
		l.publish(logger, spec.EventReleased, &Instance{ID: instanceID}, userID)
		return nil
	default:
		return nil
	}
}

// Teardown destroys the deployment of the instance and marks it destroyed. An absent or already
// destroyed instance is not an error. The instance is retired before destroy runs; on failure it
// stays retired and tracked for a retry
func (l *LifecycleManager) Teardown(ctx context.Context, instanceID uint) error {
	_, err := l.teardown(ctx, instanceID, false)
	return err
}

// TeardownExpired is Teardown for the sweep: an instance whose expiry was extended after it was
// listed is left running. torn reports whether a teardown took place
func (l *LifecycleManager) TeardownExpired(ctx context.Context, instanceID uint) (torn bool, err error) {
	return l.teardown(ctx, instanceID, true)
}

func (l *LifecycleManager) teardown(ctx context.Context, instanceID uint, expiredOnly bool) (bool, error) {
	logger := l.Logger.With(
		zap.Uint("InstanceID", instanceID),
	)

	inst, err := l.Instances.Retire(ctx, instanceID, l.now(), expiredOnly)
	if err != nil {
		return false, err
	}
	if inst == nil {
		return false, nil
	}
	logger = logger.With(
		zap.Uint("ChallengeID", inst.ChallengeID),
		zap.String("DeploymentPath", inst.DeploymentPath),
	)

	if err := l.DestroyDirectory(ctx, logger, inst.DeploymentPath); err != nil {
		return false, &OperationError{Kind: ErrTeardownFailed, InstanceID: instanceID, Cause: err}
	}
	if err := l.Instances.MarkDestroyed(ctx, instanceID); err != nil {
		return false, &OperationError{Kind: ErrTeardownFailed, InstanceID: instanceID, Cause: err}
	}

	logger.Info("Instance destroyed")
	l.publish(logger, spec.EventDestroyed, inst, 0)
	return true, nil
}

// DestroyDirectory runs destroy in the deployment directory and removes it.
// A missing directory is not an error
func (l *LifecycleManager) DestroyDirectory(ctx context.Context, logger *zap.Logger, deploymentPath string) error {
	if len(deploymentPath) == 0 {
		return nil
	}
	workDir := l.DeploymentDir(deploymentPath)
	if _, err := os.Stat(workDir); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		logger.Error("Cannot stat deployment directory", zap.Error(err))
		return extErrors.Wrap(err, "Cannot stat deployment directory")
	}

	if err := l.Engine.Destroy(ctx, workDir); err != nil {
		logProvisionError(logger, "Cannot destroy deployment", err)
		return err
	}
	if err := os.RemoveAll(workDir); err != nil {
		logger.Error("Cannot remove deployment directory", zap.Error(err))
		return extErrors.Wrap(err, "Cannot remove deployment directory")
	}
	return nil
}

func (l *LifecycleManager) publish(logger *zap.Logger, t spec.EventType, inst *Instance, userID uint) {
	e := &spec.Event{
		Type:        t,
		InstanceID:  inst.ID,
		ChallengeID: inst.ChallengeID,
		UserID:      userID,
		Host:        inst.Host,
		Expiry:      inst.Expiry,
		When:        l.now(),
	}
	if err := l.Publisher.PublishEvent(e); err != nil {
		logger.Error("Cannot publish lifecycle event",
			zap.String("Event", string(t)),
			zap.Error(err),
		)
	}
}

func logProvisionError(logger *zap.Logger, msg string, err error) {
	var pErr *provision.Error
	if errors.As(err, &pErr) {
		logger.Error(msg,
			zap.String("Phase", string(pErr.Phase)),
			zap.Int("ExitCode", pErr.ExitCode),
			zap.Bool("Timeout", pErr.Timeout),
			zap.String("Stdout", pErr.Stdout),
			zap.String("Stderr", pErr.Stderr),
			zap.Error(pErr.Err),
		)
		return
	}
	logger.Error(msg, zap.Error(err))
}
