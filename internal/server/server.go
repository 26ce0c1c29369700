// Package server exposes the inbound triggers and status queries over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gridconsent/internal/domain"
	"gridconsent/internal/engine"
	"gridconsent/internal/events"
	"gridconsent/internal/fsm"
	"gridconsent/internal/region"
)

const callbackSecretHeader = "X-Callback-Secret"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Stream serves the live connection status websocket, optional.
	Stream http.Handler
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"operation terminate is not allowed in status VALIDATED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gridconsent API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, fieldErrors(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema violations are plain bad requests
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, fieldErrors(errs))
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("gridconsent API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPermissionRequests(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerRetransmissions(group, cfg.Engine)
	registerCallbacks(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.Stream != nil {
		router.With(requireStream).Get(path.Join(basePath, "connection-status/ws"), cfg.Stream.ServeHTTP)
	}
	return router, nil
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

// fieldErrors turns huma validation details into an attribute → message map.
func fieldErrors(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	fields := map[string]string{}
	for _, err := range errs {
		var d huma.ErrorDetailer
		if errors.As(err, &d) {
			det := d.ErrorDetail()
			key := strings.TrimPrefix(det.Location, "body.")
			if key == "" {
				key = "body"
			}
			fields[key] = det.Message
			continue
		}
		fields["body"] = err.Error()
	}
	return map[string]any{"errors": fields}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "malformed_request", err.Error(), map[string]any{
			"permission_id": ve.PermissionID,
			"errors":        ve.Fields(),
		})
	}
	if engine.IsNotFound(err) || errors.Is(err, region.ErrUnknownRegion) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrUnauthorizedCallback) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrCallbackStatus) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var past fsm.PastStateError
	if errors.As(err, &past) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"status": past.Current})
	}
	var future fsm.FutureStateError
	if errors.As(err, &future) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"status": future.Current})
	}
	var pe *events.PersistenceError
	if errors.As(err, &pe) || errors.Is(err, events.ErrConflict) {
		return newAPIError(http.StatusServiceUnavailable, "persistence_failure", "event store unavailable", map[string]any{"error": err.Error()})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "timeout", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["callbackSecret"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: callbackSecretHeader,
	}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			switch {
			case route == healthPath:
				op.Security = []map[string][]string{}
			case isCallback(basePath, route):
				op.Security = []map[string][]string{{"callbackSecret": {}}}
			default:
				op.Security = bearer
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
    <title>gridconsent API Docs</title>
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

type permissionPath struct {
	ID string `path:"id"`
}

type permissionOutput struct {
	Body PermissionRequestResponse `json:"body"`
}

func registerPermissionRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-permission-request",
		Method:        http.MethodPost,
		Path:          "/permission-requests",
		Summary:       "Create permission request",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePermissionRequestBody `json:"body"`
	}) (*struct {
		Location string                    `header:"Location"`
		Body     PermissionRequestResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		bad := map[string]string{}
		start := parseDate("start", input.Body.Start, bad)
		end := parseDate("end", input.Body.End, bad)
		if len(bad) > 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid dates", map[string]any{"errors": bad})
		}
		pr, err := e.CreatePermissionRequest(ctx, engine.CreateOptions{
			ConnectionID:    input.Body.ConnectionID,
			DataNeedID:      input.Body.DataNeedID,
			Region:          input.Body.Region,
			MeteringPointID: input.Body.MeteringPointID,
			Start:           start,
			End:             end,
			Granularity:     input.Body.Granularity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Location string                    `header:"Location"`
			Body     PermissionRequestResponse `json:"body"`
		}{
			Location: "permission-requests/" + pr.PermissionID,
			Body:     permissionResponse(pr),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permission-request",
		Method:      http.MethodGet,
		Path:        "/permission-requests/{id}",
		Summary:     "Get permission request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *permissionPath) (*permissionOutput, error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		pr, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &permissionOutput{Body: permissionResponse(pr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-permission-requests",
		Method:      http.MethodGet,
		Path:        "/permission-requests",
		Summary:     "List permission requests",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma separated statuses"`
	}) (*struct {
		Body PermissionRequestList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"errors": map[string]string{"status": err.Error()}})
		}
		prs, err := e.List(ctx, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		if prs == nil {
			prs = []domain.PermissionRequest{}
		}
		return &struct {
			Body PermissionRequestList `json:"body"`
		}{Body: PermissionRequestList{Items: prs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-permission-events",
		Method:      http.MethodGet,
		Path:        "/permission-requests/{id}/events",
		Summary:     "Event history of a permission request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *permissionPath) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRead); err != nil {
			return nil, err
		}
		evts, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: evts}}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	type reasonInput struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "terminate-permission-request",
		Method:      http.MethodPost,
		Path:        "/permission-requests/{id}/terminate",
		Summary:     "Terminate an accepted permission",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *reasonInput) (*permissionOutput, error) {
		if err := requirePermission(ctx, PermTerminate); err != nil {
			return nil, err
		}
		pr, err := e.Terminate(ctx, input.ID, input.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &permissionOutput{Body: permissionResponse(pr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-termination",
		Method:      http.MethodPost,
		Path:        "/permission-requests/{id}/retry-termination",
		Summary:     "Retry external termination",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *permissionPath) (*permissionOutput, error) {
		if err := requirePermission(ctx, PermTerminate); err != nil {
			return nil, err
		}
		pr, err := e.RetryTermination(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &permissionOutput{Body: permissionResponse(pr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-permission-request",
		Method:      http.MethodPost,
		Path:        "/permission-requests/{id}/revoke",
		Summary:     "Record a revocation by the customer",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *reasonInput) (*permissionOutput, error) {
		if err := requirePermission(ctx, PermTerminate); err != nil {
			return nil, err
		}
		pr, err := e.Revoke(ctx, input.ID, input.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &permissionOutput{Body: permissionResponse(pr)}, nil
	})
}

func registerRetransmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-retransmission",
		Method:      http.MethodPost,
		Path:        "/permission-requests/{id}/retransmissions",
		Summary:     "Request data again for a time frame",
		Description: "Every outcome is reported in the result field; only storage failures are errors.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RetransmissionBody `json:"body"`
	}) (*struct {
		Body engine.RetransmissionResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermWrite); err != nil {
			return nil, err
		}
		bad := map[string]string{}
		from := parseDate("from", input.Body.From, bad)
		to := parseDate("to", input.Body.To, bad)
		if from.IsZero() && bad["from"] == "" {
			bad["from"] = "must not be blank"
		}
		if to.IsZero() && bad["to"] == "" {
			bad["to"] = "must not be blank"
		}
		if len(bad) > 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid time frame", map[string]any{"errors": bad})
		}
		res, err := e.RequestRetransmission(ctx, input.ID, from, to)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RetransmissionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCallbacks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "region-callback",
		Method:      http.MethodPost,
		Path:        "/region-connectors/{region}/callbacks",
		Summary:     "Status notification from a permission administrator",
		Description: "Notifications the state machine refuses are answered with outcome ignored.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Region string       `path:"region"`
		Secret string       `header:"X-Callback-Secret"`
		Body   CallbackBody `json:"body"`
	}) (*struct {
		Body engine.CallbackResult `json:"body"`
	}, error) {
		res, err := e.HandleCallback(ctx, engine.CallbackOptions{
			Region:       input.Region,
			Secret:       input.Secret,
			PermissionID: input.Body.PermissionID,
			Status:       input.Body.Status,
			Message:      input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CallbackResult `json:"body"`
		}{Body: res}, nil
	})
}
