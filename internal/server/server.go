package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"factorytwin/internal/logging"
	"factorytwin/internal/repo"
	"factorytwin/internal/store"
	twinsdk "factorytwin/sdk/go"
)

// Config for the HTTP API handler.
type Config struct {
	Session *store.Session
	// Journal is nil when the journal is disabled.
	Journal  *repo.Repo
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"machine_not_found"`
	Message string         `json:"message" example:"machine 7 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the live view of a session.
func New(cfg Config) (http.Handler, error) {
	if cfg.Session == nil {
		return nil, errors.New("server: session is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logging.For(cfg.Logger, logging.ComponentServer)))
	hcfg := huma.DefaultConfig("Factory Twin API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := cfg.Session
	registerDocs(router, basePath)
	registerHealth(group, s)
	registerState(group, s)
	registerMachines(group, s)
	registerAgents(group, s)
	registerSuggestions(group, s)
	registerReload(group, s)
	registerJournal(group, cfg.Journal)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())

	return router, nil
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *twinsdk.TransportError
	switch {
	case errors.Is(err, store.ErrDisposed):
		return newAPIError(http.StatusServiceUnavailable, "session_disposed", err.Error(), nil)
	case errors.Is(err, twinsdk.ErrUnknownAgent):
		return newAPIError(http.StatusBadRequest, "unknown_agent", err.Error(), nil)
	case errors.Is(err, store.ErrNoProposal):
		return newAPIError(http.StatusConflict, "no_proposal", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &te):
		details := map[string]any{"op": te.Op}
		if code := te.StatusCode(); code != 0 {
			details["upstream_status"] = code
		}
		return newAPIError(http.StatusBadGateway, "backend_unavailable", err.Error(), details)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusBadGateway:
		return "backend_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Factory Twin API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, s *store.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Phase: s.Store.Phase(), SessionID: s.ID}}, nil
	})
}

func registerState(api huma.API, s *store.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Current view: canonical collections, working copy and proposal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: stateResponse(s.View())}, nil
	})
}

func registerMachines(api huma.API, s *store.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "list-machines",
		Method:      http.MethodGet,
		Path:        "/machines",
		Summary:     "List machines",
		Description: "Returns the working copy by default, or the canonical collection with source=canonical.",
	}, func(ctx context.Context, input *struct {
		Source string `query:"source" enum:"working,canonical" default:"working"`
	}) (*struct {
		Body []MachineResponse `json:"body"`
	}, error) {
		var machines []twinsdk.Machine
		if input.Source == "canonical" {
			machines = s.Store.Snapshot().Machines
		} else {
			machines = s.Overlay.Working()
		}
		return &struct {
			Body []MachineResponse `json:"body"`
		}{Body: machineResponses(machines)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-machine",
		Method:      http.MethodGet,
		Path:        "/machines/{id}",
		Summary:     "Get one machine from the working copy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body MachineResponse `json:"body"`
	}, error) {
		m, ok := s.Overlay.Machine(input.ID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "machine_not_found", fmt.Sprintf("machine %d not found", input.ID), nil)
		}
		return &struct {
			Body MachineResponse `json:"body"`
		}{Body: machineResponses([]twinsdk.Machine{m})[0]}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "patch-machine",
		Method:        http.MethodPatch,
		Path:          "/machines/{id}",
		Summary:       "Edit a machine locally and persist it in the background",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body MachinePatchRequest
	}) (*struct {
		Body MachineResponse `json:"body"`
	}, error) {
		if _, ok := s.Overlay.Machine(input.ID); !ok {
			return nil, newAPIError(http.StatusNotFound, "machine_not_found", fmt.Sprintf("machine %d not found", input.ID), nil)
		}
		patch := input.Body.patch(input.ID)
		if patch.Fields().Empty() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no field to update", nil)
		}
		if patch.Status != nil && !patch.Status.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid machine status %q", *patch.Status), nil)
		}
		// The request context ends with the response; the edit must outlive it.
		if err := s.Overlay.ApplyLocalUpdate(context.WithoutCancel(ctx), patch); err != nil {
			return nil, handleError(err)
		}
		m, _ := s.Overlay.Machine(input.ID)
		return &struct {
			Body MachineResponse `json:"body"`
		}{Body: machineResponses([]twinsdk.Machine{m})[0]}, nil
	})
}

func registerAgents(api huma.API, s *store.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "run-all-agents",
		Method:      http.MethodPost,
		Path:        "/agents/run_all",
		Summary:     "Run every agent and merge the reported updates",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RunAllResponse `json:"body"`
	}, error) {
		res, err := s.RunAllAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunAllResponse `json:"body"`
		}{Body: RunAllResponse{Agents: res.Agents, Updates: updateResponses(res.Updates)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{key}",
		Summary:     "Run one agent",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key" enum:"production,energy,quality,maintenance,supply"`
	}) (*struct {
		Body RunAgentResponse `json:"body"`
	}, error) {
		key, err := twinsdk.ParseAgentKey(input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		ack, err := s.RunAgent(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunAgentResponse `json:"body"`
		}{Body: RunAgentResponse{Agent: key.AgentName(), Ack: ack}}, nil
	})
}

// resolveAgentName accepts an agent key ("energy") or its name ("EnergyAgent").
func resolveAgentName(in string) (string, error) {
	if key, err := twinsdk.ParseAgentKey(in); err == nil {
		return key.AgentName(), nil
	}
	for _, k := range twinsdk.AgentKeys {
		if k.AgentName() == in {
			return in, nil
		}
	}
	return "", fmt.Errorf("%w %q", twinsdk.ErrUnknownAgent, in)
}

func registerSuggestions(api huma.API, s *store.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/suggestions",
		Summary:     "Current proposed actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		actions, by := s.Overlay.Proposed()
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: ProposalResponse{Agent: by, Actions: actionResponses(actions)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-proposal",
		Method:      http.MethodPost,
		Path:        "/suggestions/apply",
		Summary:     "Apply the proposed actions",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ApplyResponse `json:"body"`
	}, error) {
		updates, err := s.Overlay.ApplyProposed(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyResponse `json:"body"`
		}{Body: ApplyResponse{Updates: updateResponses(updates)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest",
		Method:      http.MethodPost,
		Path:        "/suggestions/{agent}",
		Summary:     "Ask an agent for a suggestion and make it the proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Agent string `path:"agent"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		name, err := resolveAgentName(input.Agent)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := s.Overlay.Suggest(ctx, name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: ProposalResponse{Agent: name, Actions: actionResponses(actions)}}, nil
	})
}

func registerReload(api huma.API, s *store.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "reload",
		Method:      http.MethodPost,
		Path:        "/reload",
		Summary:     "Fetch every collection again",
		Description: "Collections that fail keep their previous content and are listed in failed.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReloadResponse `json:"body"`
	}, error) {
		report, err := s.Reload(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ReloadResponse{Failed: []string{}}
		for _, res := range store.Resources {
			if report.Failed(res) {
				resp.Failed = append(resp.Failed, string(res))
			}
		}
		return &struct {
			Body ReloadResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerJournal(api huma.API, journal *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List recent journal entries",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID  string `query:"session_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedJournal `json:"body"`
	}, error) {
		if journal == nil {
			return nil, newAPIError(http.StatusNotFound, "journal_disabled", "journal is disabled", nil)
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
		filter := repo.EventFilter{SessionID: input.SessionID, Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID}
		items, err := journal.LatestEventsFrom(ctx, limit+1, cursorID, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJournal{Items: []JournalEntryResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, e := range items {
			resp.Items = append(resp.Items, journalResponse(e))
		}
		return &struct {
			Body paginatedJournal `json:"body"`
		}{Body: resp}, nil
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
