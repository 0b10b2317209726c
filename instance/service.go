package instance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/miragespace/ctfinstancer/auth"
	"github.com/miragespace/ctfinstancer/cooldown"
	resp "github.com/miragespace/ctfinstancer/response"
	"github.com/miragespace/ctfinstancer/spec"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// Sweeper runs one reconciliation pass. *cleanup.Task implements it
type Sweeper interface {
	RunSweep(ctx context.Context) (*spec.SweepResult, error)
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth             *auth.Auth
	LifecycleManager *LifecycleManager
	Sweeper          Sweeper // optional, the admin sweep route is not mounted without it
	Logger           *zap.Logger
}

// Service is the instance API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the instance API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.LifecycleManager == nil {
		return nil, fmt.Errorf("nil LifecycleManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// View is the representation of an Instance returned to users
type View struct {
	*Instance
	State State `json:"state"`
}

func newView(inst *Instance) *View {
	return &View{
		Instance: inst,
		State:    inst.State(),
	}
}

// AdminView adds the number of users still attached to an instance
type AdminView struct {
	*View
	LiveJoins int `json:"liveJoins"`
}

// CooldownView tells the user when a new instance may be requested. Until is nil when there is no restriction
type CooldownView struct {
	Until *time.Time `json:"until"`
}

func parseID(r *http.Request, param string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 0)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (s *Service) writeLifecycleError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var active *cooldown.ActiveError
	switch {
	case errors.As(err, &active):
		resp.WriteError(w, r, resp.ErrTooManyRequests().
			AddMessages("Please wait before requesting another instance").
			WithResult(CooldownView{Until: &active.Until}))
	case errors.Is(err, ErrNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find challenge or user"))
	case errors.Is(err, ErrProvisioningFailed):
		// diagnostics were logged with the process output, users only learn that it failed
		resp.WriteError(w, r, resp.ErrDeploymentFailed())
	case errors.Is(err, ErrTeardownFailed):
		resp.WriteError(w, r, resp.ErrUnavailable().AddMessages("Cannot destroy instance, please retry later"))
	default:
		logger.Error("Unexpected lifecycle error",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
	}
}

func (s *Service) lookupInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	challengeID, ok := parseID(r, "challengeID")
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid challenge ID"))
		return
	}

	logger := s.Logger.With(
		zap.Uint("UserID", claims.ID),
		zap.Uint("ChallengeID", challengeID),
	)

	inst, err := s.LifecycleManager.Lookup(ctx, challengeID, claims.ID)
	if err != nil {
		logger.Error("Unable to lookup instance",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the instance"))
		return
	}

	if inst == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No running instance for this challenge"))
		return
	}

	resp.WriteResponse(w, r, newView(inst))
}

func (s *Service) acquireInstance(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(auth.Context).(*auth.Claims)
	challengeID, ok := parseID(r, "challengeID")
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid challenge ID"))
		return
	}

	logger := s.Logger.With(
		zap.Uint("UserID", claims.ID),
		zap.Uint("ChallengeID", challengeID),
	)

	// a client going away must not interrupt the provisioning tool halfway through
	ctx := context.WithoutCancel(r.Context())
	inst, err := s.LifecycleManager.Acquire(ctx, challengeID, claims.ID)
	if err != nil {
		s.writeLifecycleError(w, r, logger, err)
		return
	}

	resp.WriteResponse(w, r, newView(inst))
}

func (s *Service) releaseInstance(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(auth.Context).(*auth.Claims)
	instanceID, ok := parseID(r, "instanceID")
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid instance ID"))
		return
	}

	logger := s.Logger.With(
		zap.Uint("UserID", claims.ID),
		zap.Uint("InstanceID", instanceID),
	)

	ctx := context.WithoutCancel(r.Context())
	if err := s.LifecycleManager.Release(ctx, instanceID, claims.ID); err != nil {
		s.writeLifecycleError(w, r, logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) getCooldown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	until, err := s.LifecycleManager.Gate.GetCooldownExpiry(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to get cooldown expiry",
			zap.Uint("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, CooldownView{Until: until})
}

func (s *Service) teardownInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseID(r, "instanceID")
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid instance ID"))
		return
	}

	logger := s.Logger.With(
		zap.Uint("InstanceID", instanceID),
	)

	ctx := context.WithoutCancel(r.Context())
	if err := s.LifecycleManager.Teardown(ctx, instanceID); err != nil {
		s.writeLifecycleError(w, r, logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listInstances(w http.ResponseWriter, r *http.Request) {
	_, all := r.URL.Query()["all"]

	instances, err := s.LifecycleManager.List(r.Context(), all)
	if err != nil {
		s.Logger.Error("Unable to list instances",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot list instances"))
		return
	}

	views := make([]AdminView, 0, len(instances))
	for i := range instances {
		views = append(views, AdminView{
			View:      newView(&instances[i]),
			LiveJoins: len(instances[i].LiveJoins()),
		})
	}
	resp.WriteResponse(w, r, views)
}

func (s *Service) runSweep(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	result, err := s.Sweeper.RunSweep(ctx)
	if err != nil {
		s.Logger.Error("Unable to run sweep",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot run sweep"))
		return
	}

	resp.WriteResponse(w, r, result)
}

// Router will return the routes under the instance API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())
	r.Use(s.Auth.ClaimCheck())

	r.Get("/cooldown", s.getCooldown)
	r.Get("/challenges/{challengeID}", s.lookupInstance)
	r.Post("/challenges/{challengeID}", s.acquireInstance)
	r.Delete("/{instanceID}", s.releaseInstance)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.Auth.AdminCheck())
		r.Get("/", s.listInstances)
		r.Delete("/{instanceID}", s.teardownInstance)
		if s.Sweeper != nil {
			r.Post("/sweep", s.runSweep)
		}
	})

	return r
}
