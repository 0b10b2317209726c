package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/miragespace/ctfinstancer/settings"
	"github.com/miragespace/ctfinstancer/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// RequestCounter returns the creation timestamps of the user's join requests made at or after since,
// oldest first, read as one consistent snapshot
type RequestCounter interface {
	RequestsSince(ctx context.Context, userID uint, since time.Time) ([]time.Time, error)
}

// ActiveError is returned when a user may not request a new instance before Until
type ActiveError struct {
	Until time.Time
}

func (e *ActiveError) Error() string {
	if e.Until.Equal(spec.FrozenUntil) {
		return "instance spawning is frozen"
	}
	return fmt.Sprintf("cooldown active until %s", e.Until.Format(time.RFC3339))
}

// GateOptions contains the dependencies of the admission gate
type GateOptions struct {
	Settings settings.Provider
	Requests RequestCounter
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Gate decides whether a user may request a new instance based on a sliding window of their
// recent requests and the global freeze switch
type Gate struct {
	GateOptions
}

// NewGate returns a new admission Gate
func NewGate(option GateOptions) (*Gate, error) {
	if option.Settings == nil {
		return nil, fmt.Errorf("nil Settings is invalid")
	}
	if option.Requests == nil {
		return nil, fmt.Errorf("nil Requests is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &Gate{
		GateOptions: option,
	}, nil
}

// GetCooldownExpiry returns the moment the user becomes eligible again, or nil when the user
// may request an instance right now
func (g *Gate) GetCooldownExpiry(ctx context.Context, userID uint) (*time.Time, error) {
	s, err := g.Settings.GetSettings(ctx)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get settings for cooldown")
	}
	if s.FreezeCtf {
		frozen := spec.FrozenUntil
		return &frozen, nil
	}
	if !s.EnableSpawningCooldown {
		return nil, nil
	}

	window := s.CooldownWindow()
	since := g.Clock().UTC().Add(-window)
	requests, err := g.Requests.RequestsSince(ctx, userID, since)
	if err != nil {
		g.Logger.Error("Unable to count recent requests",
			zap.Uint("UserID", userID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot count recent requests")
	}
	if len(requests) < s.CooldownLimit {
		return nil, nil
	}
	if len(requests) == 0 {
		// a limit of zero admits nobody
		frozen := spec.FrozenUntil
		return &frozen, nil
	}

	earliest := requests[0]
	for _, r := range requests[1:] {
		if r.Before(earliest) {
			earliest = r
		}
	}
	eligible := earliest.Add(window).UTC()
	return &eligible, nil
}

// Check returns an *ActiveError when the user is currently not admitted
func (g *Gate) Check(ctx context.Context, userID uint) error {
	until, err := g.GetCooldownExpiry(ctx, userID)
	if err != nil {
		return err
	}
	if until == nil || !until.After(g.Clock()) {
		return nil
	}
	return &ActiveError{Until: *until}
}
