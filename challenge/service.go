package challenge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/miragespace/ctfinstancer/auth"
	resp "github.com/miragespace/ctfinstancer/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth             *auth.Auth
	ChallengeManager *Manager
	Logger           *zap.Logger
}

// Service is the challenge API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the challenge API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.ChallengeManager == nil {
		return nil, fmt.Errorf("nil ChallengeManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// CreateRequest is the model of an administrator registering a challenge
type CreateRequest struct {
	Title             string `json:"title" validate:"required"`
	Category          string `json:"category"`
	Hidden            bool   `json:"hidden"`
	ManifestPath      string `json:"manifestPath" validate:"required"`
	ExpiryTime        int    `json:"expiryTime" validate:"gte=0"`
	Shared            bool   `json:"shared"`
	HostFormat        string `json:"hostFormat" validate:"required"`
	LoggingInfoFormat string `json:"loggingInfoFormat"`
}

func (s *Service) listChallenges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	all := claims.Admin && r.URL.Query().Get("all") != ""

	results, err := s.ChallengeManager.List(ctx, all)
	if err != nil {
		s.Logger.Error("Unable to list challenges",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of challenges"))
		return
	}

	resp.WriteResponse(w, r, results)
}

func (s *Service) getChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	id, err := strconv.ParseUint(chi.URLParam(r, "challengeID"), 10, 0)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid challenge ID"))
		return
	}

	chal, err := s.ChallengeManager.GetByID(ctx, uint(id))
	if err != nil {
		s.Logger.Error("Unable to query challenge",
			zap.Uint64("ChallengeID", id),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the challenge"))
		return
	}

	if chal == nil || (chal.Hidden && !claims.Admin) {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find challenge with specific ID"))
		return
	}

	resp.WriteResponse(w, r, chal)
}

func (s *Service) createChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	// manifests must stay inside the manifest directory
	manifest := filepath.Clean(req.ManifestPath)
	if filepath.IsAbs(manifest) || manifest == ".." || strings.HasPrefix(manifest, ".."+string(filepath.Separator)) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Manifest path must be relative to the manifest directory"))
		return
	}

	chal := &Challenge{
		Title:             req.Title,
		Category:          req.Category,
		Hidden:            req.Hidden,
		ManifestPath:      manifest,
		ExpiryTime:        req.ExpiryTime,
		Shared:            req.Shared,
		HostFormat:        req.HostFormat,
		LoggingInfoFormat: req.LoggingInfoFormat,
	}
	if err := s.ChallengeManager.Create(ctx, chal); err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create challenge"))
		return
	}

	resp.WriteResponse(w, r, chal)
}

// Router will return the routes under the challenge API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())
	r.Use(s.Auth.ClaimCheck())

	r.Get("/", s.listChallenges)
	r.Get("/{challengeID}", s.getChallenge)
	r.With(s.Auth.AdminCheck()).Post("/", s.createChallenge)

	return r
}
