package proxy

import (
	"net/http"
	"strconv"

	"github.com/wudi/gatekeeper/internal/errors"
)

// Response is a fully buffered response on its way to the client. Every
// pipeline outcome, from a backend reply to a rejection, is carried as a
// Response so response-phase plugins see them all.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// NewResponse creates a response with a copy of headers.
func NewResponse(status int, headers http.Header, body []byte) *Response {
	h := make(http.Header, len(headers)+1)
	for k, vv := range headers {
		h[k] = append([]string(nil), vv...)
	}
	return &Response{StatusCode: status, Headers: h, Body: body}
}

// ErrorResponse renders a gateway error as a JSON response.
func ErrorResponse(e *errors.GatewayError) *Response {
	return &Response{
		StatusCode: e.Code,
		Headers:    http.Header{"Content-Type": {"application/json"}},
		Body:       e.Body(),
	}
}

// Write sends the response to the client. Content-Length is recomputed
// since plugins may have replaced the body; a HEAD reply keeps the
// backend's value.
func (r *Response) Write(w http.ResponseWriter, method string) error {
	dst := w.Header()
	for k, vv := range r.Headers {
		dst[k] = vv
	}
	if !bodyAllowed(r.StatusCode) {
		dst.Del("Content-Length")
		w.WriteHeader(r.StatusCode)
		return nil
	}
	if method != http.MethodHead || dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	w.WriteHeader(r.StatusCode)
	if method == http.MethodHead {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

func bodyAllowed(status int) bool {
	return !(status >= 100 && status < 200) && status != http.StatusNoContent && status != http.StatusNotModified
}
