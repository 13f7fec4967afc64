package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return New(Config{Provider: "test", MaxAttempts: 3, Backoff: time.Millisecond})
}

func TestFetchRetries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantAttempts int32
		wantErr      bool
	}{
		{name: "success first try", statuses: []int{200}, wantAttempts: 1},
		{name: "recovers after 503", statuses: []int{503, 200}, wantAttempts: 2},
		{name: "recovers after 429", statuses: []int{429, 429, 200}, wantAttempts: 3},
		{name: "gives up", statuses: []int{500, 500, 500, 200}, wantAttempts: 3, wantErr: true},
		{name: "no retry on 404", statuses: []int{404, 200}, wantAttempts: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.statuses[n-1])
				io.WriteString(w, "body")
			}))
			defer srv.Close()

			data, err := newTestClient().Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
			assert.Equal(t, tt.wantAttempts, atomic.LoadInt32(&calls))
			if tt.wantErr {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "body", string(data))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		want   time.Duration
		wantOK bool
	}{
		{name: "absent", header: ""},
		{name: "seconds", header: "2", want: 2 * time.Second, wantOK: true},
		{name: "zero", header: "0", want: 0, wantOK: true},
		{name: "negative", header: "-1"},
		{name: "capped", header: "3600", want: maxRetryAfter, wantOK: true},
		{name: "http date", header: now.Add(5 * time.Second).Format(http.TimeFormat), want: 5 * time.Second, wantOK: true},
		{name: "past date", header: now.Add(-time.Hour).Format(http.TimeFormat), want: 0, wantOK: true},
		{name: "garbage", header: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			got, ok := retryAfter(resp, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchWaitsForRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	start := time.Now()
	data, err := newTestClient().Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestPostFormReplaysBody(t *testing.T) {
	var calls int32
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		lastBody = string(data)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestClient().PostForm(context.Background(), srv.URL, nil, url.Values{"a": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, "a=1", lastBody)
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer x", r.Header.Get("Authorization"))
		io.WriteString(w, `{"name":"example.com"}`)
	}))
	defer srv.Close()

	var out struct {
		Name string `json:"name"`
	}
	err := newTestClient().GetJSON(context.Background(), srv.URL, http.Header{"Authorization": {"Bearer x"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "example.com", out.Name)
}

func TestCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient().Fetch(ctx, http.MethodGet, srv.URL, nil, nil)
	assert.Error(t, err)
}
