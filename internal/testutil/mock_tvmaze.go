// Package testutil provides test doubles for the TVMaze API and the work queue.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock TVMaze endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockTVMaze is a configurable mock TVMaze server for testing.
type MockTVMaze struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	Paths             []string
}

// NewMockTVMaze creates a new mock TVMaze server. Unknown paths answer 404 like the
// real API.
func NewMockTVMaze() *MockTVMaze {
	mock := &MockTVMaze{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.Paths = append(mock.Paths, r.URL.RequestURI())
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		handler, exists := mock.handlers[r.URL.RequestURI()]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"name":"Not Found","message":"Page not found.","code":0,"status":404}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockTVMaze) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTVMaze) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockTVMaze) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.Paths = nil
}

// SetHandler sets a custom handler for a path. The path may include a query string,
// which then takes precedence over a handler for the bare path.
func (m *MockTVMaze) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockTVMaze) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetSequence answers successive requests for path with the given responses; the
// last one repeats.
func (m *MockTVMaze) SetSequence(path string, responses ...MockResponse) {
	var (
		mu sync.Mutex
		i  int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		mu.Unlock()

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetSeasons serves the seasons of a show.
func (m *MockTVMaze) SetSeasons(showID int, seasons ...map[string]any) {
	body, _ := json.Marshal(seasons)
	m.SetResponse(fmt.Sprintf("/shows/%d/seasons", showID), NewHealthyResponse(string(body)))
}

// SetShowUpdates serves the updates feed for one period.
func (m *MockTVMaze) SetShowUpdates(period string, updates map[int]int64) {
	body, _ := json.Marshal(updates)
	m.SetResponse("/updates/shows?since="+period, NewHealthyResponse(string(body)))
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockTVMaze) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockTVMaze) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// NewHealthyResponse creates a 200 OK response with TVMaze caching headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"ETag":          `"test-etag-123"`,
			"Cache-Control": "public, max-age=3600",
			"Content-Type":  "application/json; charset=UTF-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	headers := map[string]string{"Content-Type": "application/json; charset=UTF-8"}
	if retryAfter != "" {
		headers["Retry-After"] = retryAfter
	}
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"name":"Too Many Requests","status":429}`,
		Headers:    headers,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"name":"Internal Server Error","status":500}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=UTF-8"},
	}
}

// NewConditionalHandler creates a handler that responds with 304 for matching
// If-None-Match requests.
func NewConditionalHandler(etag, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
