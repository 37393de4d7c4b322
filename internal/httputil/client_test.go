package httputil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

func useZeroBackOff(t *testing.T) {
	t.Helper()
	orig := newBackOff
	newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	t.Cleanup(func() { newBackOff = orig })
}

func TestOpen_RetriesServerErrors(t *testing.T) {
	useZeroBackOff(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.UserAgent() != UserAgent {
			t.Errorf("User-Agent = %q, want %q", r.UserAgent(), UserAgent)
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	body, err := Open(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	b, _ := io.ReadAll(body)
	if string(b) != "ok" {
		t.Errorf("body = %q, want ok", b)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestOpen_ClientErrorIsPermanent(t *testing.T) {
	useZeroBackOff(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "unexpected status 404") {
		t.Errorf("err = %v, want unexpected status 404", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestOpen_GivesUpAfterMaxRetries(t *testing.T) {
	useZeroBackOff(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := Open(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Fatal("expected error after retries")
	}
	if got := calls.Load(); got != MaxRetries+1 {
		t.Errorf("calls = %d, want %d", got, MaxRetries+1)
	}
}
