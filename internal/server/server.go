package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/metrics"
	"flowdesk/internal/query"
	"flowdesk/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Metrics  *metrics.Collector
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"version conflict on task t1: expected 3, have 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the FlowDesk API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("FlowDesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerUsers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerChannels(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps the domain error taxonomy onto HTTP statuses. Error
// kinds are stable strings; clients switch on the code field.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch domain.ErrorKind(err) {
	case domain.KindValidation:
		return newAPIError(http.StatusBadRequest, domain.KindValidation, err.Error(), nil)
	case domain.KindConflict:
		return newAPIError(http.StatusConflict, domain.KindConflict, err.Error(), nil)
	case domain.KindOwnerConstraint:
		return newAPIError(http.StatusConflict, domain.KindOwnerConstraint, err.Error(), nil)
	case domain.KindPermissionDenied:
		return newAPIError(http.StatusForbidden, domain.KindPermissionDenied, err.Error(), nil)
	case domain.KindTimeout:
		return newAPIError(http.StatusGatewayTimeout, domain.KindTimeout, err.Error(), nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, domain.KindNotFound, err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return domain.KindValidation
	case http.StatusNotFound:
		return domain.KindNotFound
	case http.StatusConflict:
		return domain.KindConflict
	case http.StatusForbidden:
		return domain.KindPermissionDenied
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// submit wraps Engine.Submit with principal extraction and payload
// marshalling. A nil body sends an empty payload.
func submit(ctx context.Context, e engine.Engine, op, entityID, idemKey string, expectedVersion int64, body any) (store.Rec, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return store.Rec{}, authErr
	}
	var payload json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return store.Rec{}, newAPIError(http.StatusBadRequest, "", "invalid body", nil)
		}
		payload = data
	}
	res, err := e.Submit(ctx, engine.Mutation{
		IdempotencyKey:  idemKey,
		Actor:           p.actor(),
		Op:              op,
		EntityID:        entityID,
		ExpectedVersion: expectedVersion,
		Payload:         payload,
		IP:              remoteAddr(ctx),
	})
	if err != nil {
		return store.Rec{}, handleError(err)
	}
	return res.Rec, nil
}

// list authorizes a read op through the access gate and runs the query
// layer over live entities.
func list(ctx context.Context, e engine.Engine, op, typ string, filters map[string]string, sortBy string, desc bool, limit int, token string) (query.Result, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return query.Result{}, authErr
	}
	if err := e.Gate.Authorize(ctx, p.actor(), op, typ, "", remoteAddr(ctx)); err != nil {
		return query.Result{}, handleError(err)
	}
	res, err := query.List(ctx, e.Store, e.DB, typ, filters, sortBy, desc, query.Page{Limit: limit, Token: token})
	if err != nil {
		return query.Result{}, handleError(err)
	}
	return res, nil
}

// getLive authorizes a read and fetches one live entity.
func getLive(ctx context.Context, e engine.Engine, op, typ, id string) (store.Rec, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return store.Rec{}, authErr
	}
	if err := e.Gate.Authorize(ctx, p.actor(), op, typ, id, remoteAddr(ctx)); err != nil {
		return store.Rec{}, handleError(err)
	}
	rec, err := e.Store.GetLive(ctx, e.DB, typ, id)
	if err != nil {
		return store.Rec{}, handleError(err)
	}
	return rec, nil
}

func filterMap(pairs ...string) map[string]string {
	m := map[string]string{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			m[pairs[i]] = pairs[i+1]
		}
	}
	return m
}

func decodePage[T any](items []query.Item, total int, next string, decode func(store.Rec) (T, error)) (page[T], error) {
	out := page[T]{Items: []T{}, Total: total, NextPageToken: next}
	for _, it := range items {
		v, err := decode(store.Rec{ID: it.ID, Version: it.Version, Payload: it.Payload})
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, v)
	}
	return out, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

type MutationHeaders struct {
	IdempotencyKey string `header:"Idempotency-Key"`
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		Body engine.UserCreate `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "user.create", "", input.IdempotencyKey, 0, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := userResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role      string `query:"role"`
		Status    string `query:"status"`
		Search    string `query:"search"`
		Sort      string `query:"sort"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[UserResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "users.list", domain.TypeUser,
			filterMap("role", input.Role, "status", input.Status, "search", input.Search),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, userResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[UserResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		rec, serr := getLive(ctx, e, "users.list", domain.TypeUser, input.ID)
		if serr != nil {
			return nil, serr
		}
		resp, err := userResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string            `path:"id"`
		ExpectedVersion int64             `query:"expected_version"`
		Body            engine.UserUpdate `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "user.update", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := userResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-user",
		Method:      http.MethodPost,
		Path:        "/users/{id}/suspend",
		Summary:     "Suspend user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "user.suspend", input.ID, input.IdempotencyKey, input.ExpectedVersion, nil)
		if serr != nil {
			return nil, serr
		}
		resp, err := userResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-user",
		Method:      http.MethodDelete,
		Path:        "/users/{id}",
		Summary:     "Delete user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct{}, error) {
		if _, serr := submit(ctx, e, "user.delete", input.ID, input.IdempotencyKey, input.ExpectedVersion, nil); serr != nil {
			return nil, serr
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		Body engine.TaskCreate `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "task.create", "", input.IdempotencyKey, 0, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := taskResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Priority   string `query:"priority"`
		AssigneeID string `query:"assignee_id"`
		WorkflowID string `query:"workflow_id"`
		Tag        string `query:"tag"`
		DueBefore  string `query:"due_before"`
		DueAfter   string `query:"due_after"`
		Search     string `query:"search"`
		Sort       string `query:"sort"`
		Desc       bool   `query:"desc"`
		Limit      int    `query:"limit" default:"50"`
		PageToken  string `query:"page_token"`
	}) (*struct {
		Body page[TaskResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "tasks.list", domain.TypeTask,
			filterMap(
				"status", input.Status, "priority", input.Priority,
				"assignee_id", input.AssigneeID, "workflow_id", input.WorkflowID,
				"tag", input.Tag, "due_before", input.DueBefore,
				"due_after", input.DueAfter, "search", input.Search),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, taskResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[TaskResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		rec, serr := getLive(ctx, e, "tasks.list", domain.TypeTask, input.ID)
		if serr != nil {
			return nil, serr
		}
		resp, err := taskResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string            `path:"id"`
		ExpectedVersion int64             `query:"expected_version"`
		Body            engine.TaskUpdate `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "task.update", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := taskResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct{}, error) {
		if _, serr := submit(ctx, e, "task.delete", input.ID, input.IdempotencyKey, input.ExpectedVersion, nil); serr != nil {
			return nil, serr
		}
		return &struct{}{}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		Body engine.WorkflowCreate `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "workflow.create", "", input.IdempotencyKey, 0, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := workflowResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		TeamID    string `query:"team_id"`
		Search    string `query:"search"`
		Sort      string `query:"sort"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[WorkflowResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "workflows.list", domain.TypeWorkflow,
			filterMap("status", input.Status, "team_id", input.TeamID, "search", input.Search),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, workflowResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[WorkflowResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		rec, serr := getLive(ctx, e, "workflows.list", domain.TypeWorkflow, input.ID)
		if serr != nil {
			return nil, serr
		}
		resp, err := workflowResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workflow",
		Method:      http.MethodPatch,
		Path:        "/workflows/{id}",
		Summary:     "Update workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string                `path:"id"`
		ExpectedVersion int64                 `query:"expected_version"`
		Body            engine.WorkflowUpdate `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "workflow.update", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := workflowResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workflow",
		Method:      http.MethodDelete,
		Path:        "/workflows/{id}",
		Summary:     "Delete workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct{}, error) {
		if _, serr := submit(ctx, e, "workflow.delete", input.ID, input.IdempotencyKey, input.ExpectedVersion, nil); serr != nil {
			return nil, serr
		}
		return &struct{}{}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		Body engine.TeamCreate `json:"body"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "team.create", "", input.IdempotencyKey, 0, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := teamResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MemberID  string `query:"member_id"`
		Search    string `query:"search"`
		Sort      string `query:"sort"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[TeamResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "teams.list", domain.TypeTeam,
			filterMap("member_id", input.MemberID, "search", input.Search),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, teamResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[TeamResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		rec, serr := getLive(ctx, e, "teams.list", domain.TypeTeam, input.ID)
		if serr != nil {
			return nil, serr
		}
		resp, err := teamResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team",
		Method:      http.MethodPatch,
		Path:        "/teams/{id}",
		Summary:     "Update team",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string            `path:"id"`
		ExpectedVersion int64             `query:"expected_version"`
		Body            engine.TeamUpdate `json:"body"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "team.update", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := teamResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-team",
		Method:      http.MethodDelete,
		Path:        "/teams/{id}",
		Summary:     "Delete team",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct{}, error) {
		if _, serr := submit(ctx, e, "team.delete", input.ID, input.IdempotencyKey, input.ExpectedVersion, nil); serr != nil {
			return nil, serr
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-team-member",
		Method:      http.MethodPost,
		Path:        "/teams/{id}/members",
		Summary:     "Add team member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string                  `path:"id"`
		ExpectedVersion int64                   `query:"expected_version"`
		Body            engine.TeamMemberChange `json:"body"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "team.member_add", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := teamResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-team-member",
		Method:      http.MethodDelete,
		Path:        "/teams/{id}/members/{user_id}",
		Summary:     "Remove team member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		UserID          string `path:"user_id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		body := engine.TeamMemberChange{UserID: input.UserID}
		rec, serr := submit(ctx, e, "team.member_remove", input.ID, input.IdempotencyKey, input.ExpectedVersion, body)
		if serr != nil {
			return nil, serr
		}
		resp, err := teamResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-team-ownership",
		Method:      http.MethodPost,
		Path:        "/teams/{id}/transfer",
		Summary:     "Transfer team ownership",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string                  `path:"id"`
		ExpectedVersion int64                   `query:"expected_version"`
		Body            engine.TeamMemberChange `json:"body"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "team.transfer_ownership", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := teamResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerChannels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-channel",
		Method:        http.MethodPost,
		Path:          "/channels",
		Summary:       "Create channel",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		Body engine.ChannelCreate `json:"body"`
	}) (*struct {
		Body ChannelResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "channel.create", "", input.IdempotencyKey, 0, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := channelResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChannelResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-channels",
		Method:      http.MethodGet,
		Path:        "/channels",
		Summary:     "List channels",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MemberID  string `query:"member_id"`
		Type      string `query:"type"`
		Sort      string `query:"sort"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[ChannelResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "channels.list", domain.TypeChannel,
			filterMap("member_id", input.MemberID, "type", input.Type),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, channelResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[ChannelResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/channels/{id}/messages",
		Summary:       "Post message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID   string `path:"id"`
		Body struct {
			Content string `json:"content"`
		} `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		payload := engine.MessagePost{ChannelID: input.ID, Content: input.Body.Content}
		rec, serr := submit(ctx, e, "message.post", "", input.IdempotencyKey, 0, payload)
		if serr != nil {
			return nil, serr
		}
		resp, err := messageResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/channels/{id}/messages",
		Summary:     "List messages",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		SenderID  string `query:"sender_id"`
		Sort      string `query:"sort"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[MessageResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "messages.list", domain.TypeMessage,
			filterMap("channel_id", input.ID, "sender_id", input.SenderID),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, messageResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[MessageResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-channel-read",
		Method:      http.MethodPost,
		Path:        "/channels/{id}/read",
		Summary:     "Mark channel read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID string `path:"id"`
	}) (*struct {
		Body ChannelResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "channel.mark_read", input.ID, input.IdempotencyKey, 0, nil)
		if serr != nil {
			return nil, serr
		}
		resp, err := channelResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChannelResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Create role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		Body engine.RoleCreate `json:"body"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "role.create", "", input.IdempotencyKey, 0, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := roleResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		IsSystem  string `query:"is_system"`
		Search    string `query:"search"`
		Sort      string `query:"sort"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[RoleResponse] `json:"body"`
	}, error) {
		res, serr := list(ctx, e, "roles.list", domain.TypeRole,
			filterMap("is_system", input.IsSystem, "search", input.Search),
			input.Sort, input.Desc, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, roleResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[RoleResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-role",
		Method:      http.MethodPatch,
		Path:        "/roles/{id}",
		Summary:     "Update role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string            `path:"id"`
		ExpectedVersion int64             `query:"expected_version"`
		Body            engine.RoleUpdate `json:"body"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "role.update", input.ID, input.IdempotencyKey, input.ExpectedVersion, input.Body)
		if serr != nil {
			return nil, serr
		}
		resp, err := roleResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-role",
		Method:      http.MethodDelete,
		Path:        "/roles/{id}",
		Summary:     "Delete role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID              string `path:"id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*struct{}, error) {
		if _, serr := submit(ctx, e, "role.delete", input.ID, input.IdempotencyKey, input.ExpectedVersion, nil); serr != nil {
			return nil, serr
		}
		return &struct{}{}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List own notifications",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Read      string `query:"read"`
		Limit     int    `query:"limit" default:"50"`
		PageToken string `query:"page_token"`
	}) (*struct {
		Body page[NotificationResponse] `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, serr := list(ctx, e, "notifications.list", domain.TypeNotification,
			filterMap("recipient_id", p.ActorID, "read", input.Read),
			"", true, input.Limit, input.PageToken)
		if serr != nil {
			return nil, serr
		}
		body, err := decodePage(res.Items, res.Total, res.NextToken, notificationResponse)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body page[NotificationResponse] `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
		ID string `path:"id"`
	}) (*struct {
		Body NotificationResponse `json:"body"`
	}, error) {
		rec, serr := submit(ctx, e, "notification.mark_read", input.ID, input.IdempotencyKey, 0, nil)
		if serr != nil {
			return nil, serr
		}
		resp, err := notificationResponse(rec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-all-notifications-read",
		Method:      http.MethodPost,
		Path:        "/notifications/read_all",
		Summary:     "Mark all notifications read",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MutationHeaders
	}) (*struct{}, error) {
		if _, serr := submit(ctx, e, "notification.mark_all_read", "", input.IdempotencyKey, 0, nil); serr != nil {
			return nil, serr
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Poll committed events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		After      int64  `query:"after"`
		EntityType string `query:"entity_type"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body struct {
			Items  []EventResponse `json:"items"`
			Cursor int64           `json:"cursor"`
		} `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Gate.Authorize(ctx, p.actor(), "events.watch", "event", "", remoteAddr(ctx)); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Store.EventsAfter(ctx, input.Limit, input.After, input.EntityType)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items  []EventResponse `json:"items"`
				Cursor int64           `json:"cursor"`
			} `json:"body"`
		}{}
		out.Body.Items = []EventResponse{}
		out.Body.Cursor = input.After
		for _, evt := range events {
			out.Body.Items = append(out.Body.Items, eventResponse(evt))
			out.Body.Cursor = evt.ID
		}
		return out, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-log",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit log entries",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
		Action  string `query:"action"`
		Before  int64  `query:"before"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []AuditEntryResponse `json:"items"`
		} `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Gate.Authorize(ctx, p.actor(), "audit.list", "audit", "", remoteAddr(ctx)); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Store.ListAudit(ctx, store.AuditFilters{
			ActorID: input.ActorID,
			Action:  input.Action,
			Cursor:  input.Before,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []AuditEntryResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []AuditEntryResponse{}
		for _, entry := range entries {
			out.Body.Items = append(out.Body.Items, auditResponse(entry))
		}
		return out, nil
	})
}
