package endpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type headerPreprocessor struct {
	Key   string
	Value string
}

func (hp headerPreprocessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if hp.Key != "" {
		w.Header().Set(hp.Key, hp.Value)
	}
	return next(w, r)
}

type codedError struct{ code string }

func (e codedError) Error() string     { return "coded failure" }
func (e codedError) ErrorCode() string { return e.code }

func TestHandler_PreprocessorsThenRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?name=world", nil)

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, params struct {
		Name string `query:"name"`
	}) (Renderer, error) {
		return &StringRenderer{Body: "hello " + params.Name}, nil
	}, headerPreprocessor{Key: "X-Test", Value: "1"})

	h.ServeHTTP(rec, req)

	if got := rec.Result().Header.Get("X-Test"); got != "1" {
		t.Fatalf("X-Test header: got %q want %q", got, "1")
	}
	if got := rec.Body.String(); got != "hello world" {
		t.Fatalf("body: got %q want %q", got, "hello world")
	}
}

func TestHandler_DeferRunsLIFOBeforeRender(t *testing.T) {
	var order []string
	p := func(name string) Processor {
		return ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			Defer(r.Context(), func(w http.ResponseWriter) error {
				order = append(order, name)
				w.Header().Add("X-Hook", name)
				return nil
			})
			return next(w, r)
		})
	}
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		order = append(order, "endpoint")
		return &NoContentRenderer{}, nil
	}, p("outer"), p("inner"))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "endpoint,inner,outer" {
		t.Fatalf("order: got %q", got)
	}
	if got := rec.Result().Header.Values("X-Hook"); len(got) != 2 {
		t.Fatalf("hook headers not written before status: %v", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d want %d", rec.Code, http.StatusNoContent)
	}
}

func TestHandler_HooksSkippedOnError(t *testing.T) {
	ran := false
	h := HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (Renderer, error) {
		Defer(r.Context(), func(http.ResponseWriter) error {
			ran = true
			return nil
		})
		return nil, errors.New("boom")
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if ran {
		t.Fatal("hook ran on the error path")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), CodeUncaught) {
		t.Fatalf("body should carry %s: %q", CodeUncaught, rec.Body.String())
	}
}

func TestHandler_HookErrorAbortsRender(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (Renderer, error) {
		Defer(r.Context(), func(http.ResponseWriter) error {
			return codedError{code: "AUTH-0004"}
		})
		return &StringRenderer{Body: "should not render"}, nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d want 500", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "should not render") || !strings.Contains(body, "AUTH-0004") {
		t.Fatalf("body: %q", body)
	}
}

func TestHandler_ErrorBoundary(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		accept     string
		wantStatus int
		wantCode   string
		wantBody   string
		hideBody   string
	}{
		{
			name:       "client error shows message",
			err:        &EndpointError{Status: http.StatusBadRequest, Message: "Invalid login state"},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeUncaught,
			wantBody:   "Invalid login state",
		},
		{
			name:       "server error hides cause",
			err:        Error(http.StatusBadGateway, "upstream secret detail", codedError{code: "AUTH-0005"}),
			wantStatus: http.StatusBadGateway,
			wantCode:   "AUTH-0005",
			wantBody:   http.StatusText(http.StatusBadGateway),
			hideBody:   "secret",
		},
		{
			name:       "explicit code wins",
			err:        &EndpointError{Status: http.StatusInternalServerError, Code: "TOK-0001", Cause: codedError{code: "AUTH-0006"}},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "TOK-0001",
		},
		{
			name:       "json client",
			err:        &EndpointError{Status: http.StatusUnauthorized, Message: "nope"},
			accept:     "application/json",
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUncaught,
			wantBody:   `"message":"nope"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := zerolog.New(&logs)
			h := HandleFunc(func(w http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				w.Header().Add("Set-Cookie", "leak=1")
				return nil, tt.err
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			req = req.WithContext(logger.WithContext(req.Context()))
			rec := httptest.NewRecorder()
			h(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", rec.Code, tt.wantStatus)
			}
			if c := rec.Result().Header.Get("Set-Cookie"); c != "" {
				t.Fatalf("error response must not set cookies, got %q", c)
			}
			body := rec.Body.String()
			if tt.wantBody != "" && !strings.Contains(body, tt.wantBody) {
				t.Fatalf("body: got %q want substring %q", body, tt.wantBody)
			}
			if tt.hideBody != "" && strings.Contains(body, tt.hideBody) {
				t.Fatalf("body leaked %q: %q", tt.hideBody, body)
			}

			var entry map[string]any
			if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
				t.Fatalf("log entry: %v (%q)", err, logs.String())
			}
			if entry["error_code"] != tt.wantCode {
				t.Fatalf("logged code: got %v want %s", entry["error_code"], tt.wantCode)
			}
		})
	}
}

func TestError_KeepsExistingEndpointError(t *testing.T) {
	inner := &EndpointError{Status: http.StatusTeapot}
	if got := Error(http.StatusInternalServerError, "x", inner); got != error(inner) {
		t.Fatalf("Error wrapped an EndpointError: %v", got)
	}
}

func TestDefer_OutsideHandlerIsNoop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Defer(req.Context(), func(http.ResponseWriter) error { return errors.New("x") })
	if err := Commit(req.Context(), httptest.NewRecorder()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}
