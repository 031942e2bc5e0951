package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAdapt_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	arrived := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var got *Request
	h := Adapt(HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		got = req
		return &Response{Status: http.StatusCreated, Header: http.Header{"X-Test": {"yes"}}, Body: []byte("made")}, nil
	}), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/things?kind=a", strings.NewReader("payload"))
	req.Header.Set("Content-Type", "text/plain")
	ctx := WithRequestID(req.Context(), "req-1")
	ctx = context.WithValue(ctx, arrivedKey{}, arrived)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "yes", rec.Header().Get("X-Test"))
	require.Equal(t, "made", rec.Body.String())

	require.NotNil(t, got)
	require.Equal(t, "req-1", got.ID)
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "/things", got.Path)
	require.Equal(t, "a", got.Query.Get("kind"))
	require.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	require.Equal(t, []byte("payload"), got.Body)
	require.Equal(t, arrived, got.Arrived)
}

func TestAdapt_ErrorBecomesGeneric500(t *testing.T) {
	t.Parallel()

	h := Adapt(HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("database password is hunter2")
	}), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")
}

func TestAdapt_DefaultStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *Response
		want int
	}{
		{name: "nil response", resp: nil, want: http.StatusNoContent},
		{name: "zero status", resp: &Response{Body: []byte("x")}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := Adapt(HandlerFunc(func(context.Context, *Request) (*Response, error) {
				return tt.resp, nil
			}), nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestJSONResponse(t *testing.T) {
	t.Parallel()

	resp, err := JSON(http.StatusAccepted, map[string]int{"processed": 3})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.Status)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"processed":3}`, string(resp.Body))

	_, err = JSON(http.StatusOK, make(chan int))
	require.Error(t, err)
}

func TestErrorTypes(t *testing.T) {
	t.Parallel()

	inner := errors.New("address already in use")
	bindErr := &BindError{Addr: ":8080", Err: inner}
	require.ErrorIs(t, bindErr, inner)
	require.Contains(t, bindErr.Error(), ":8080")

	herr := &HandlerError{Op: "ingest", Err: inner}
	require.ErrorIs(t, herr, inner)
	require.Contains(t, herr.Error(), "ingest")

	timeoutErr := &ShutdownTimeoutError{Grace: time.Second, Abandoned: 2}
	require.Contains(t, timeoutErr.Error(), "2")
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "starting", StateStarting.String())
	require.Equal(t, "accepting", StateAccepting.String())
	require.Equal(t, "draining", StateDraining.String())
	require.Equal(t, "stopped", StateStopped.String())
}
