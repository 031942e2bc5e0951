package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

// Request is the application's view of an inbound HTTP request.
type Request struct {
	ID      string
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    []byte
	Arrived time.Time
}

// Response is what an application handler hands back to the runtime.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Handler is the call contract between the runtime and the application.
// A returned error is never shown to the client; it becomes a generic 500.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Text builds a plain-text response.
func Text(status int, body string) *Response {
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte(body),
	}
}

// JSON builds a JSON response.
func JSON(status int, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   append(body, '\n'),
	}, nil
}

// Adapt exposes h as an http.Handler.
func Adapt(h Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warn("read request body failed", zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
			writeStatus(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		req := &Request{
			ID:      RequestIDFrom(r.Context()),
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.Query(),
			Header:  r.Header.Clone(),
			Body:    body,
			Arrived: arrivedFrom(r.Context()),
		}

		resp, err := h.Handle(r.Context(), req)
		if err != nil {
			var herr *HandlerError
			if !errors.As(err, &herr) {
				herr = &HandlerError{Op: r.Method + " " + r.URL.Path, Err: err}
			}
			telemetry.ObserveHandlerError()
			logger.Error("handler failed",
				zap.String("request_id", req.ID),
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Error(herr),
			)
			writeStatus(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			return
		}
		writeResponse(w, resp)
	})
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

type requestIDKey struct{}

type arrivedKey struct{}

// WithRequestID stores the runtime-assigned request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id assigned by the runtime, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func arrivedFrom(ctx context.Context) time.Time {
	if t, ok := ctx.Value(arrivedKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
