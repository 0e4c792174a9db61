// Package endpoint provides a type-safe abstraction for building HTTP handlers.
//
// The core pattern separates the request decoding, business logic, and response
// rendering into distinct phases:
//
//  1. Unmarshal: the handler decodes the request (query, form, headers,
//     cookies) into a typed parameters struct using struct tags.
//  2. Endpoint: the EndpointFunc receives the decoded parameters and the request,
//     executes business logic, and returns a Renderer. It does not write to the
//     response directly.
//  3. Render: the returned Renderer writes the status code, headers, and body.
//
// Processors can be chained as middleware to intercept requests before they
// reach the EndpointFunc. Processors may register Defer hooks, which run after
// the endpoint succeeds and before the response headers are written.
//
// Errors returned from processors, the endpoint, or hooks are translated by
// the error boundary into a generic response. The boundary logs each error
// together with its stable error code.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// CodeUncaught is logged for errors that carry no error code of their own.
const CodeUncaught = "UNC-0000"

// Coder is implemented by errors that carry a stable error code.
type Coder interface {
	ErrorCode() string
}

// EndpointError is a client-visible error that maps directly to an HTTP status code.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	// Code is a stable error code for logs and the error page. When empty the
	// code of Cause is used, if it has one.
	Code  string
	Cause error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorCode implements Coder.
func (e *EndpointError) ErrorCode() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code
	}
	var c Coder
	if e.Cause != nil && errors.As(e.Cause, &c) {
		return c.ErrorCode()
	}
	return ""
}

// Error creates a new EndpointError. An err that already is an EndpointError
// is returned unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// ErrorCodeOf returns the error code carried by err, or CodeUncaught.
func ErrorCodeOf(err error) string {
	var c Coder
	if errors.As(err, &c) {
		if code := c.ErrorCode(); code != "" {
			return code
		}
	}
	return CodeUncaught
}

// Renderers are values that write a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader() and may set headers before doing so.
// A non-nil error indicates a failure to write the response.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the Renderer.
//
// Processors MUST call next(...) unless they intend to short-circuit the
// request with an error, and MUST NOT write the status or body.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type.
//
// It receives the response writer, the incoming request, and a typed params
// value, and returns a Renderer responsible for writing the response.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the standard http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Hook runs before the response headers are written. A hook error aborts
// rendering and is handled like an endpoint error.
type Hook func(w http.ResponseWriter) error

// Defer registers a hook to run after a successful endpoint, before the
// response headers are written. Hooks do not run when the request fails.
//
// Outside an EndpointHandler this is a silent no-op.
func Defer(ctx context.Context, fn Hook) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]Hook)
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs the hooks registered via Defer in LIFO order and returns the
// first error. Hooks run at most once.
func Commit(ctx context.Context, w http.ResponseWriter) error {
	hooks, ok := ctx.Value(hooksKey{}).(*[]Hook)
	if !ok || hooks == nil {
		return nil
	}
	pending := *hooks
	*hooks = nil
	for i := len(pending) - 1; i >= 0; i-- {
		if err := pending[i](w); err != nil {
			return err
		}
	}
	return nil
}

// discard drops pending hooks without running them.
func discard(ctx context.Context) {
	if hooks, ok := ctx.Value(hooksKey{}).(*[]Hook); ok && hooks != nil {
		*hooks = nil
	}
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []Hook
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		if err := Commit(r2.Context(), w2); err != nil {
			return err
		}
		return renderer.Render(w2, r2)
	}

	if err := run(0, w, r); err != nil {
		discard(r.Context())
		writeError(w, r, err)
	}
}

// writeError is the error boundary. Client errors (4xx) show their message;
// everything else shows a generic message and the error code only.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := ""
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
	}
	code := ErrorCodeOf(err)

	log := zerolog.Ctx(r.Context())
	ev := log.Error()
	if status < http.StatusInternalServerError {
		ev = log.Warn()
	}
	ev.Err(err).Str("error_code", code).Int("status", status).Msg("request failed")

	if status >= http.StatusInternalServerError || message == "" {
		message = http.StatusText(status)
	}
	_ = (&ErrorRenderer{Status: status, Message: message, Code: code}).Render(w, r)
}
