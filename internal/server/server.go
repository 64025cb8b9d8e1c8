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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"flowkernel/internal/partition"
	"flowkernel/internal/record"
	"flowkernel/internal/repo"
	"flowkernel/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Partition *partition.Partition
	Repo      repo.Repo
	// Notifier wakes long-polling job activations. Without it activation
	// never waits.
	Notifier       Subscriber
	BasePath       string
	Auth           AuthConfig
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Subscriber is the subscribe half of notify.Notifier.
type Subscriber interface {
	Subscribe(ctx context.Context, jobType string) (<-chan struct{}, func(), error)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"Command 'COMPLETE' rejected with code 'NOT_FOUND': Expected to complete job with key '2251799813685249', but no such job was found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"rejectionType\":\"NOT_FOUND\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// gateway turns requests into partition commands and state queries.
type gateway struct {
	partition      *partition.Partition
	repo           repo.Repo
	notifier       Subscriber
	requestTimeout time.Duration
	logger         *slog.Logger
}

type recordOutput struct {
	Body RecordResponse `json:"body"`
}

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
	http.StatusGatewayTimeout,
}

// New returns an HTTP handler exposing the flowkernel API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Partition == nil {
		return nil, errors.New("server: partition required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	g := gateway{
		partition:      cfg.Partition,
		repo:           cfg.Repo,
		notifier:       cfg.Notifier,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	router.Handle("/metrics", telemetry.Handler())
	hcfg := huma.DefaultConfig("flowkernel API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, g)
	registerMe(group, g)
	registerIdentities(group, g)
	registerIdentityQueries(group, g)
	registerAuthorizations(group, g)
	registerUserTasks(group, g)
	registerUserTaskQueries(group, g)
	registerJobs(group, g)
	registerJobQueries(group, g)
	registerIncidents(group, g)
	registerIncidentQueries(group, g)
	registerRecords(group, g)
	registerAPIKeys(group, g)
	if cfg.Auth.AllowLegacyActorHeader {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// rejectionError renders a rejection record as the error a client sees.
func rejectionError(rec record.Record) huma.StatusError {
	rej := &record.Rejection{Type: rec.RejectionType, Reason: rec.RejectionReason}
	return newAPIError(rejectionStatus(rec.RejectionType), strings.ToLower(string(rec.RejectionType)),
		record.CommandRejectedMessage(rec.Intent, rej), map[string]any{
			"rejectionType": rec.RejectionType,
			"intent":        rec.Intent,
			"valueType":     rec.ValueType,
			"key":           rec.Key,
			"position":      rec.Position,
			"requestId":     rec.RequestID,
		})
}

func rejectionStatus(t record.RejectionType) int {
	switch t {
	case record.RejectNotFound:
		return http.StatusNotFound
	case record.RejectAlreadyExists, record.RejectInvalidState:
		return http.StatusConflict
	case record.RejectInvalidArgument:
		return http.StatusBadRequest
	case record.RejectForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusGatewayTimeout:
		return "response_pending"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// execute runs cmd on behalf of the authenticated principal. Rejections
// become API errors.
func (g gateway) execute(ctx context.Context, cmd record.Record) (*recordOutput, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return nil, authErr
	}
	cmd.Principal = principal.Username
	cmd.RequestID = uuid.NewString()
	if g.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
	}
	resp, err := g.partition.Execute(ctx, cmd)
	if errors.Is(err, partition.ErrResponsePending) {
		return nil, newAPIError(http.StatusGatewayTimeout, "response_pending",
			"the command was accepted but its outcome is not known yet", map[string]any{
				"requestId": cmd.RequestID,
				"position":  resp.Position,
			})
	}
	if err != nil {
		g.logger.Error("command failed", "command", cmd.String(), "request_id", cmd.RequestID, "error", err)
		return nil, handleError(err)
	}
	if resp.RecordType == record.TypeCommandRejection {
		return nil, rejectionError(resp)
	}
	return &recordOutput{Body: recordResponse(resp)}, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>flowkernel API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, username, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
