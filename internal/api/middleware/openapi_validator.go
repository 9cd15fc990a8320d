package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/api/openapi"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
)

// Contract error codes. A request that breaks the clearing contract never
// reaches the settlement engine; a response that breaks it is replaced.
const (
	codeContractRoute    = "OPENAPI_ROUTE_INVALID"
	codeContractRequest  = "OPENAPI_REQUEST_INVALID"
	codeContractResponse = "OPENAPI_RESPONSE_INVALID"

	contractResponseMessage = "response does not conform to OpenAPI contract"
)

// ValidatorOptions tunes the OpenAPI middleware.
type ValidatorOptions struct {
	// ValidateResponses buffers each response and replaces bodies that break
	// the contract with a 500.
	ValidateResponses bool
}

// MustOpenAPIValidator is NewOpenAPIValidator for server wiring; a broken
// embedded contract is a startup bug.
func MustOpenAPIValidator(basePath string, opts ValidatorOptions) gin.HandlerFunc {
	mw, err := NewOpenAPIValidator(basePath, opts)
	if err != nil {
		panic(fmt.Sprintf("init openapi validator: %v", err))
	}
	return mw
}

// NewOpenAPIValidator checks settlement, compliance and reference-data
// requests against the embedded contract before any handler runs. Paths the
// contract does not describe, such as health checks, pass through untouched.
func NewOpenAPIValidator(basePath string, opts ValidatorOptions) (gin.HandlerFunc, error) {
	doc, err := openapi.Load()
	if err != nil {
		return nil, err
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create contract router: %w", err)
	}
	v := &contractValidator{
		router:   router,
		basePath: normalizeBasePath(basePath),
		opts:     opts,
	}
	return v.handle, nil
}

type contractValidator struct {
	router   routers.Router
	basePath string
	opts     ValidatorOptions
}

// Authentication is enforced by the JWT and RBAC middleware.
var skipAuthentication = &openapi3filter.Options{
	AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error { return nil },
}

func (v *contractValidator) handle(c *gin.Context) {
	input, ok := v.validateRequest(c)
	if !ok {
		return
	}
	if input == nil || !v.opts.ValidateResponses {
		c.Next()
		return
	}

	buffered := newBufferedResponseWriter(c.Writer)
	c.Writer = buffered
	c.Next()

	if err := validateResponse(c.Request.Context(), input, buffered); err != nil {
		logger.Error("OpenAPI response validation failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", buffered.Status()),
			zap.Error(err),
		)
		buffered.ResetJSON(http.StatusInternalServerError, ErrorResponse{
			Code:      codeContractResponse,
			Message:   contractResponseMessage,
			RequestID: GetRequestID(c.Request.Context()),
		})
	}
	if _, err := buffered.FlushToOriginal(); err != nil {
		logger.Warn("failed to flush buffered response",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
}

// validateRequest returns a nil input for paths outside the contract and
// false once it has aborted the request.
func (v *contractValidator) validateRequest(c *gin.Context) (*openapi3filter.RequestValidationInput, bool) {
	origPath, origRawPath := c.Request.URL.Path, c.Request.URL.RawPath
	defer func() {
		c.Request.URL.Path, c.Request.URL.RawPath = origPath, origRawPath
	}()

	route, pathParams, err := findRouteWithFallback(v.router, c.Request, v.basePath)
	if err != nil {
		if isPathNotFoundError(err) {
			return nil, true
		}
		abortWithContractError(c, codeContractRoute, err, nil)
		return nil, false
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    c.Request,
		PathParams: pathParams,
		Route:      route,
		Options:    skipAuthentication,
	}
	if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
		abortWithContractError(c, codeContractRequest, err, contractFieldErrors(err))
		return nil, false
	}
	return input, true
}

func validateResponse(ctx context.Context, req *openapi3filter.RequestValidationInput, w *bufferedResponseWriter) error {
	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: req,
		Status:                 w.Status(),
		Header:                 w.Header().Clone(),
		Options:                skipAuthentication,
	}
	if w.Size() > 0 {
		input.SetBodyBytes(w.body.Bytes())
	}
	return openapi3filter.ValidateResponse(ctx, input)
}

// contractFieldErrors names the offending request field so clients can tell
// a price with three decimal places from a missing corridor.
func contractFieldErrors(err error) []apperrors.FieldError {
	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		return nil
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(reqErr, &schemaErr) {
		field := strings.Join(schemaErr.JSONPointer(), ".")
		if field == "" && reqErr.Parameter != nil {
			field = reqErr.Parameter.Name
		}
		if field == "" {
			field = "body"
		}
		return []apperrors.FieldError{{Field: field, Code: schemaErr.SchemaField, Message: schemaErr.Reason}}
	}
	if reqErr.Parameter != nil {
		return []apperrors.FieldError{{Field: reqErr.Parameter.Name, Code: "invalid", Message: reqErr.Reason}}
	}
	return nil
}

func abortWithContractError(c *gin.Context, code string, err error, fields []apperrors.FieldError) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Code:        code,
		Message:     err.Error(),
		FieldErrors: fields,
		RequestID:   GetRequestID(c.Request.Context()),
	})
}

func normalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" || basePath == "/" {
		return ""
	}
	return "/" + strings.Trim(basePath, "/")
}

func normalizeValidationPath(basePath, path string) string {
	if basePath == "" {
		if path == "" {
			return "/"
		}
		return path
	}
	if path == basePath {
		return "/"
	}
	if strings.HasPrefix(path, basePath+"/") {
		return "/" + strings.TrimPrefix(path, basePath+"/")
	}
	return path
}

// findRouteWithFallback tries the request path as served, then with the API
// base path stripped, since the contract lists paths without /api/v1.
func findRouteWithFallback(router routers.Router, req *http.Request, basePath string) (*routers.Route, map[string]string, error) {
	origPath, origRawPath := req.URL.Path, req.URL.RawPath

	candidates := [][2]string{{origPath, origRawPath}}
	path := normalizeValidationPath(basePath, origPath)
	rawPath := origRawPath
	if origRawPath != "" {
		rawPath = normalizeValidationPath(basePath, origRawPath)
	}
	if path != origPath || rawPath != origRawPath {
		candidates = append(candidates, [2]string{path, rawPath})
	}

	var lastErr error
	for _, candidate := range candidates {
		req.URL.Path, req.URL.RawPath = candidate[0], candidate[1]
		route, pathParams, err := router.FindRoute(req)
		if err == nil {
			return route, pathParams, nil
		}
		if !isPathNotFoundError(err) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func isPathNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, routers.ErrPathNotFound) {
		return true
	}
	var routeErr *routers.RouteError
	if errors.As(err, &routeErr) && strings.Contains(routeErr.Reason, routers.ErrPathNotFound.Error()) {
		return true
	}
	return strings.Contains(err.Error(), routers.ErrPathNotFound.Error())
}

// bufferedResponseWriter holds a handler's response until it has been
// checked against the contract.
type bufferedResponseWriter struct {
	gin.ResponseWriter
	body        bytes.Buffer
	statusCode  int
	wroteHeader bool
	size        int
}

func newBufferedResponseWriter(w gin.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.statusCode = code
	w.wroteHeader = true
}

func (w *bufferedResponseWriter) WriteHeaderNow() {
	w.wroteHeader = true
}

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.body.Write(data)
	w.size += n
	return n, err
}

func (w *bufferedResponseWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *bufferedResponseWriter) Status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *bufferedResponseWriter) Size() int     { return w.size }
func (w *bufferedResponseWriter) Written() bool { return w.wroteHeader }

// ResetJSON discards whatever the handler wrote and substitutes body.
func (w *bufferedResponseWriter) ResetJSON(statusCode int, body ErrorResponse) {
	w.statusCode = statusCode
	w.wroteHeader = true
	w.body.Reset()
	w.size = 0
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"code":"` + codeContractResponse + `","message":"` + contractResponseMessage + `"}`)
	}
	_, _ = w.Write(data)
}

func (w *bufferedResponseWriter) FlushToOriginal() (int, error) {
	w.ResponseWriter.WriteHeader(w.Status())
	if w.body.Len() == 0 {
		return 0, nil
	}
	return w.ResponseWriter.Write(w.body.Bytes())
}
