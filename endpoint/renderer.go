package endpoint

import (
	"fmt"
	"net/http"
)

// StringRenderer is a renderer implementation that writes a string
// as the response body with an optional status code and content type.
//
// When ContentType is empty, StringRenderer defaults to
// "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets the Content-Type header unless an outer renderer
// already did.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
}

// Render implements Renderer for StringRenderer.
func (tr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, tr.ContentType)
	status := tr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if tr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(tr.Body))
	return err
}

// NoContentRenderer writes a response with no body and a specific status code.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects the client to a new URL.
//
// If Status is 0, it defaults to http.StatusFound (302).
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer for RedirectRenderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, rr.URL, status)
	return nil
}

// ErrorRenderer writes the generic error page. Only the message and the
// error code reach the client.
type ErrorRenderer struct {
	Status  int
	Message string
	Code    string
}

func (er *ErrorRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := er.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	msg := er.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	h := w.Header()
	h.Del("Set-Cookie")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if wantsJSON(r) {
		return (&JSONRenderer{Status: status, Value: errorBody{Message: msg, Code: er.Code}}).Render(w, r)
	}
	body := msg
	if er.Code != "" {
		body = fmt.Sprintf("%s (error code: %s)", msg, er.Code)
	}
	return (&StringRenderer{Status: status, Body: body + "\n"}).Render(w, r)
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
