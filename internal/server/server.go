package server

import (
	"bytes"
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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"policylens/internal/blob"
	"policylens/internal/domain"
	"policylens/internal/engine"
	"policylens/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	// MaxUploadBytes is the largest document the blob store accepts.
	// Zero means blob.DefaultMaxSize.
	MaxUploadBytes int64
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rule_violation"`
	Message string         `json:"message" example:"claim already decided"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the claims API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are reported as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("PolicyLens API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClaims(group, cfg.Engine)
	registerClaimActivity(group, cfg.Engine, uploadBodyLimit(cfg.MaxUploadBytes))
	registerPolicies(group, cfg.Engine)
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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"roles": fe.Roles})
	}
	switch engine.KindOf(err) {
	case engine.KindRuleViolation:
		return newAPIError(http.StatusBadRequest, "rule_violation", err.Error(), nil)
	case engine.KindNotFound:
		var nf engine.ReferenceNotFound
		if errors.As(err, &nf) {
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
		}
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>PolicyLens API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
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
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type claimPath struct {
	ClaimID string `path:"claim_id"`
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-claim",
		Method:        http.MethodPost,
		Path:          "/claims",
		Summary:       "Create claim",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateClaimRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		p, err := requireRole(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CreateClaim(ctx, engine.ClaimInput{
			PolicyID:  input.Body.PolicyID,
			ClaimType: domain.ClaimType(strings.ToUpper(input.Body.ClaimType)),
			Priority:  domain.Priority(strings.ToUpper(input.Body.Priority)),
			Summary:   input.Body.Summary,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"NEW, IN_REVIEW or DECIDED"`
		Priority string `query:"priority" doc:"LOW, NORMAL or HIGH"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Claim `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		claims, err := e.ListClaims(ctx, repo.ClaimFilters{
			Status:   domain.ClaimStatus(strings.ToUpper(input.Status)),
			Priority: domain.Priority(strings.ToUpper(input.Priority)),
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Claim `json:"body"`
		}{Body: nonNilClaims(claims)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}",
		Summary:     "Claim detail with child counts",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *claimPath) (*struct {
		Body domain.ClaimDetail `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		detail, err := e.GetClaimDetail(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClaimDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claim-events",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}/events",
		Summary:     "Claim audit trail, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *claimPath) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		events, err := e.ClaimEvents(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: eventResponses(events)}, nil
	})
}

// uploadBodyLimit sizes the request body cap for a JSON upload whose content
// is base64 encoded, leaving room for the envelope fields.
func uploadBodyLimit(maxDocument int64) int64 {
	if maxDocument <= 0 {
		maxDocument = blob.DefaultMaxSize
	}
	return (maxDocument+2)/3*4 + 64<<10
}

func registerClaimActivity(api huma.API, e engine.Engine, maxBody int64) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-document",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_id}/documents",
		Summary:       "Attach a document",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxBody,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimID string                `path:"claim_id"`
		Body    UploadDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.ClaimDocument `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleReviewer, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		doc, err := e.AddDocument(ctx, input.ClaimID, engine.DocumentUpload{
			Filename:    input.Body.Filename,
			ContentType: input.Body.ContentType,
			Body:        bytes.NewReader(input.Body.Content),
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClaimDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-document",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}/documents/{document_id}/content",
		Summary:     "Download document bytes",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Stored document bytes",
				Content:     map[string]*huma.MediaType{"application/octet-stream": {}},
			},
		},
	}, func(ctx context.Context, input *struct {
		ClaimID    string `path:"claim_id"`
		DocumentID string `path:"document_id"`
	}) (*huma.StreamResponse, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		doc, rc, err := e.OpenDocument(ctx, input.ClaimID, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &huma.StreamResponse{Body: func(hctx huma.Context) {
			defer rc.Close()
			hctx.SetHeader("Content-Type", doc.ContentType)
			hctx.SetHeader("Content-Length", strconv.FormatInt(doc.SizeBytes, 10))
			hctx.SetHeader("Content-Disposition", fmt.Sprintf("attachment; filename=%q", blob.SanitizeFilename(doc.OriginalFilename)))
			hctx.SetStatus(http.StatusOK)
			if _, err := io.Copy(hctx.BodyWriter(), rc); err != nil {
				e.Log.Warn().Err(err).Str("document_id", doc.ID).Msg("document download interrupted")
			}
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-note",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_id}/notes",
		Summary:       "Add an internal note",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimID string         `path:"claim_id"`
		Body    AddNoteRequest `json:"body"`
	}) (*struct {
		Body domain.InternalNote `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleReviewer, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		note, err := e.AddNote(ctx, input.ClaimID, input.Body.Body, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InternalNote `json:"body"`
		}{Body: note}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-decision",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_id}/decisions",
		Summary:       "Record a review decision",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ClaimID string             `path:"claim_id"`
		Body    AddDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewDecision `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleReviewer, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.AddDecision(ctx, input.ClaimID, domain.DecisionKind(strings.ToUpper(input.Body.Decision)), input.Body.Notes, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewDecision `json:"body"`
		}{Body: d}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-policy-holder",
		Method:        http.MethodPost,
		Path:          "/policyholders",
		Summary:       "Create policy holder",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePolicyHolderRequest `json:"body"`
	}) (*struct {
		Body domain.PolicyHolder `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		h, err := e.CreatePolicyHolder(ctx, engine.PolicyHolderInput{
			FullName: input.Body.FullName,
			Email:    input.Body.Email,
			Phone:    input.Body.Phone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PolicyHolder `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-policy",
		Method:        http.MethodPost,
		Path:          "/policies",
		Summary:       "Create policy",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePolicyRequest `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreatePolicy(ctx, engine.PolicyInput{
			HolderID:      input.Body.HolderID,
			PolicyNumber:  input.Body.PolicyNumber,
			ProductType:   input.Body.ProductType,
			Status:        domain.PolicyStatus(strings.ToUpper(input.Body.Status)),
			EffectiveDate: input.Body.EffectiveDate,
			ExpiryDate:    input.Body.ExpiryDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})
}
