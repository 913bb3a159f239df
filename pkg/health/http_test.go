package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Positive(t, result.Duration)
}

func TestHTTPChecker_UnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "expected 200-399")
}

func TestHTTPChecker_ExpectBody(t *testing.T) {
	serve := func(body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
	}
	ready := serve("OK\n")
	defer ready.Close()
	starting := serve("starting")
	defer starting.Close()

	assert.True(t, NewHTTPChecker(ready.URL).WithBody("OK").Check(context.Background()).Healthy)

	result := NewHTTPChecker(starting.URL).WithBody("OK").Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, `"starting"`)
}

func TestHTTPChecker_CustomStatusRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithStatusRange(200, 299)
	assert.True(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_Headers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom-Header") != "test-value" || r.UserAgent() != "flink-mesos-probe" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithHeader("X-Custom-Header", "test-value")
	assert.True(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond)
	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, NewHTTPChecker(server.URL).Check(ctx).Healthy)
}

func TestHTTPChecker_Type(t *testing.T) {
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker("http://example.com").Type())
}
