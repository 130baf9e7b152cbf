package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"callsheet/internal/config"
	"callsheet/internal/domain"
	"callsheet/internal/engine"
	"callsheet/internal/evaluator"
	"callsheet/internal/migrate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Evaluator defaults to one built from Engine and its config.
	Evaluator evaluator.Evaluator
	BasePath  string
	Auth      AuthConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition prep -> pre_show for project gala-2025"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blockers\":[]}"`
}

type bodyPresentKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Callsheet phase API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Engine.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	ev := cfg.Evaluator
	if ev.Engine == nil {
		evCfg := config.Evaluator{}
		if cfg.Engine.Config != nil {
			evCfg = cfg.Engine.Config.Evaluator
		}
		ev = evaluator.New(cfg.Engine, evCfg, logger)
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(recordBodyPresence)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Callsheet API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerPhase(group, cfg.Engine, ev)
	registerReadiness(group, cfg.Engine)
	registerPhaseConfig(group, cfg.Engine)
	registerEvaluations(group, cfg.Engine, ev)
	registerEvents(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope. Errors that already carry a
// status pass through.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch code := domain.ErrorCode(err); code {
	case domain.CodeValidation:
		var ve *domain.ValidationError
		errors.As(err, &ve)
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, code, msg, details)
	case domain.CodeNotFound:
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case domain.CodeForbidden:
		var pe *domain.PermissionError
		errors.As(err, &pe)
		return newAPIError(http.StatusForbidden, code, msg, map[string]any{"permission": pe.Permission})
	case domain.CodeInvalidTransition:
		var ie *domain.InvalidTransitionError
		errors.As(err, &ie)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{
			"from":     ie.From,
			"to":       ie.To,
			"reason":   ie.Reason,
			"blockers": nonNilSlice(ie.Blockers),
		})
	case domain.CodeConcurrency:
		var ce *domain.ConcurrencyError
		errors.As(err, &ce)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{
			"expected_version": timeString(ce.Expected),
			"actual_version":   timeString(ce.Actual),
		})
	case domain.CodeStorageUnavailable:
		return newAPIError(http.StatusServiceUnavailable, code, msg, nil)
	case domain.CodeTimeout:
		return newAPIError(http.StatusGatewayTimeout, code, msg, nil)
	case domain.CodePersistence:
		return newAPIError(http.StatusInternalServerError, code, "storage error", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, domain.CodeInternal, "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission checks perm for the caller in orgID. Permissions carried by
// a bearer token win over database role bindings.
func requirePermission(ctx context.Context, e engine.Engine, orgID, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if slices.Contains(principal.Permissions, perm) {
		return principal, nil
	}
	if err := e.Auth.Require(ctx, orgID, principal.ActorID, perm); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// requireProjectPermission checks perm in the organization owning projectID.
func requireProjectPermission(ctx context.Context, e engine.Engine, projectID, perm string) (Principal, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return Principal{}, authErr
	}
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return Principal{}, err
	}
	return requirePermission(ctx, e, p.OrgID, perm)
}

// requireWorkspacePermission checks perm in orgID, or in the workspace
// organization when orgID is empty.
func requireWorkspacePermission(ctx context.Context, e engine.Engine, orgID, perm string) (Principal, error) {
	if strings.TrimSpace(orgID) == "" {
		orgID = workspaceOrg(e)
	}
	return requirePermission(ctx, e, orgID, perm)
}

func workspaceOrg(e engine.Engine) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Workspace.Org
}

type healthOutput struct {
	Body HealthResponse `json:"body"`
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Storage reachability and schema version",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		unavailable := func(msg string, err error) error {
			return newAPIError(http.StatusServiceUnavailable, domain.CodeStorageUnavailable, msg, map[string]any{"error": err.Error()})
		}
		if err := e.Repo.Ping(ctx); err != nil {
			return nil, unavailable("storage unavailable", err)
		}
		st, err := migrate.CheckStatus(ctx, e.DB)
		if err != nil {
			return nil, unavailable("schema status unavailable", err)
		}
		out := HealthResponse{Status: "ok", SchemaVersion: st.Applied}
		if !st.Current() {
			out.Status = "schema_behind"
		}
		return &healthOutput{Body: out}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Description:   "Creates a project and initialises its phase state in prep.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if !hasBody(ctx) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		in, err := projectInput(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		principal, err := requireWorkspacePermission(ctx, e, in.OrgID, config.PermProjectCreate)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreateProject(ctx, in, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		orgID := input.OrgID
		if orgID == "" && e.Config != nil {
			orgID = e.Config.Workspace.Org
		}
		if _, err := requirePermission(ctx, e, orgID, config.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListProjects(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project dates and details",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		patch, err := projectPatch(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		principal, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermProjectUpdate)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.UpdateProject(ctx, input.ProjectID, patch, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerPhase(api huma.API, e engine.Engine, ev evaluator.Evaluator) {
	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase",
		Summary:     "Current phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if _, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetState(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase/evaluation",
		Summary:     "Evaluate the next transition without side effects",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		if _, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		res, err := ev.EvaluateProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: evaluationResponse(res.Evaluation, res.EvaluatedAt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phase/transitions",
		Summary:     "Manual transition",
		Description: "Moves the project to target_phase. Targets the engine does not recommend require force and a reason.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		if !hasBody(ctx) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		target, err := domain.ParsePhase(input.Body.TargetPhase)
		if err != nil {
			return nil, handleError(err)
		}
		principal, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseTransition)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ExecuteTransition(ctx, engine.ExecuteRequest{
			ProjectID:       input.ProjectID,
			Target:          target,
			Trigger:         domain.TriggerManual,
			Actor:           principal.ActorID,
			Reason:          input.Body.Reason,
			Force:           input.Body.Force,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-action-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase/action-items",
		Summary:     "Open checklist for a phase",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     string `query:"phase" doc:"defaults to the current phase"`
	}) (*struct {
		Body engine.ActionItems `json:"body"`
	}, error) {
		var phase *domain.Phase
		if strings.TrimSpace(input.Phase) != "" {
			p, err := domain.ParsePhase(input.Phase)
			if err != nil {
				return nil, handleError(err)
			}
			phase = &p
		}
		if _, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ActionItems(ctx, input.ProjectID, phase)
		if err != nil {
			return nil, handleError(err)
		}
		items.Validation = normalizeValidation(items.Validation)
		items.Readiness = nonNilSlice(items.Readiness)
		return &struct {
			Body engine.ActionItems `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase/history",
		Summary:     "Transition history, most recent first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body historyPage `json:"body"`
	}, error) {
		if _, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseRead); err != nil {
			return nil, handleError(err)
		}
		page, err := e.History(ctx, input.ProjectID, normalizeLimit(input.Limit), input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body historyPage `json:"body"`
		}{Body: historyPage{Items: nonNilSlice(page.Items), NextCursor: page.NextCursor}}, nil
	})
}

type historyPage struct {
	Items      []domain.TransitionRecord `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

func registerReadiness(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "load-readiness",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/readiness",
		Summary:     "Load readiness rows",
		Description: "Upserts team, staffing, talent, timecard and checklist rows for the project and returns the open checklist for its current phase.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      engine.ReadinessBundle `json:"body"`
	}) (*struct {
		Body engine.ActionItems `json:"body"`
	}, error) {
		principal, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermReadinessWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.LoadReadiness(ctx, input.ProjectID, input.Body, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ActionItems(ctx, input.ProjectID, nil)
		if err != nil {
			return nil, handleError(err)
		}
		items.Validation = normalizeValidation(items.Validation)
		items.Readiness = nonNilSlice(items.Readiness)
		return &struct {
			Body engine.ActionItems `json:"body"`
		}{Body: items}, nil
	})
}

func registerPhaseConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-phase-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase/config",
		Summary:     "Effective phase configuration",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.PhaseConfiguration `json:"body"`
	}, error) {
		if _, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseConfigRead); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Settings.Effective(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseConfiguration `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-phase-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/phase/config",
		Summary:     "Override phase configuration for a project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      PhaseConfigRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseConfiguration `json:"body"`
	}, error) {
		principal, err := requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseConfigWrite)
		if err != nil {
			return nil, handleError(err)
		}
		patch := input.Body.patch()
		var cfg domain.PhaseConfiguration
		if input.Body.Reset {
			if cfg, err = e.Settings.ResetProject(ctx, input.ProjectID, principal.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		if !patch.IsEmpty() || !input.Body.Reset {
			if cfg, err = e.Settings.SetProject(ctx, input.ProjectID, patch, principal.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.PhaseConfiguration `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org-phase-config",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/phase/config",
		Summary:     "Organization phase configuration",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body domain.PhaseConfiguration `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.OrgID, config.PermPhaseConfigRead); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Settings.Organization(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseConfiguration `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-org-phase-config",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/phase/config",
		Summary:     "Override phase configuration for an organization",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  PhaseConfigRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseConfiguration `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, input.OrgID, config.PermPhaseConfigWrite)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Settings.SetOrganization(ctx, input.OrgID, input.Body.patch(), principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseConfiguration `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerEvaluations(api huma.API, e engine.Engine, ev evaluator.Evaluator) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-all",
		Method:      http.MethodPost,
		Path:        "/phase/evaluations",
		Summary:     "Run automatic transitions for every eligible project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body EvaluationRequest `json:"body"`
	}) (*struct {
		Body evaluator.Summary `json:"body"`
	}, error) {
		// Callers only reach the organization they are checked against.
		opts := evaluator.Options{DryRun: input.Body.DryRun, OrgID: strings.TrimSpace(input.Body.OrgID)}
		if opts.OrgID == "" {
			opts.OrgID = workspaceOrg(e)
		}
		for _, raw := range input.Body.EnabledPhases {
			p, err := domain.ParsePhase(raw)
			if err != nil {
				return nil, handleError(err)
			}
			opts.EnabledPhases = append(opts.EnabledPhases, p)
		}
		if _, err := requireWorkspacePermission(ctx, e, opts.OrgID, config.PermPhaseEvaluate); err != nil {
			return nil, handleError(err)
		}
		summary, err := ev.EvaluateAllProjects(ctx, opts)
		if err != nil {
			if errors.Is(err, domain.ErrStorageUnavailable) {
				return nil, newAPIError(http.StatusServiceUnavailable, domain.CodeStorageUnavailable, err.Error(), map[string]any{
					"evaluated":    summary.Evaluated,
					"transitioned": summary.Transitioned,
					"failed":       summary.Failed,
				})
			}
			return nil, handleError(err)
		}
		summary.Errors = nonNilSlice(summary.Errors)
		summary.Outcomes = nonNilSlice(summary.Outcomes)
		return &struct {
			Body evaluator.Summary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduled-transitions",
		Method:      http.MethodGet,
		Path:        "/phase/scheduled",
		Summary:     "Time-gated transitions due within the lookahead window",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		HoursAhead int    `query:"hours_ahead" default:"24"`
		OrgID      string `query:"org_id"`
	}) (*struct {
		Body []evaluator.ScheduledTransition `json:"body"`
	}, error) {
		orgID := strings.TrimSpace(input.OrgID)
		if orgID == "" {
			orgID = workspaceOrg(e)
		}
		if _, err := requirePermission(ctx, e, orgID, config.PermPhaseEvaluate); err != nil {
			return nil, handleError(err)
		}
		items, err := ev.GetScheduledTransitions(ctx, orgID, input.HoursAhead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []evaluator.ScheduledTransition `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var err error
		if input.ProjectID != "" {
			_, err = requireProjectPermission(ctx, e, input.ProjectID, config.PermPhaseRead)
		} else {
			_, err = requireWorkspacePermission(ctx, e, "", config.PermPhaseRead)
		}
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(domain.Persistence("list events", err))
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// hasBody reports whether the request carried a non-empty body. Huma accepts
// an absent body for a required struct, so create and transition check it.
func hasBody(ctx context.Context) bool {
	present, _ := ctx.Value(bodyPresentKey{}).(bool)
	return present
}

func recordBodyPresence(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(data))
		ctx := context.WithValue(r.Context(), bodyPresentKey{}, len(bytes.TrimSpace(data)) > 0)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
