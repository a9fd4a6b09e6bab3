// Package testutil provides an httptest-backed collaborator for exercising
// the OCS, CGF and predictor clients.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// FakeResponse describes the behaviour of a single fake upstream call.
type FakeResponse struct {
	Delay  time.Duration
	Status int
	Body   string
}

// Captured is one request seen by the fake.
type Captured struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// FakeUpstream is a controllable httptest server with scripted responses.
// Once the script is exhausted the last response repeats.
type FakeUpstream struct {
	server    *httptest.Server
	mu        sync.Mutex
	responses []FakeResponse
	index     int
	calls     int
	requests  []Captured
}

// NewFakeUpstream starts a fake serving responses in order.
func NewFakeUpstream(responses ...FakeResponse) *FakeUpstream {
	if len(responses) == 0 {
		responses = []FakeResponse{{Status: http.StatusOK}}
	}

	f := &FakeUpstream{responses: responses}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		resp := f.next(Captured{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		if resp.Delay > 0 {
			timer := time.NewTimer(resp.Delay)
			select {
			case <-timer.C:
			case <-r.Context().Done():
				timer.Stop()
				return
			}
		}

		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		if resp.Body != "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	}))
	return f
}

func (f *FakeUpstream) next(c Captured) FakeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.requests = append(f.requests, c)
	if f.index >= len(f.responses) {
		return f.responses[len(f.responses)-1]
	}
	resp := f.responses[f.index]
	f.index++
	return resp
}

// URL returns the base URL of the fake.
func (f *FakeUpstream) URL() string {
	if f == nil || f.server == nil {
		return ""
	}
	return f.server.URL
}

// Calls returns the number of requests handled so far.
func (f *FakeUpstream) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requests returns a copy of the captured requests.
func (f *FakeUpstream) Requests() []Captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Captured(nil), f.requests...)
}

// SetResponses replaces the script and resets the call counter.
func (f *FakeUpstream) SetResponses(responses ...FakeResponse) {
	if f == nil {
		return
	}
	if len(responses) == 0 {
		responses = []FakeResponse{{Status: http.StatusOK}}
	}
	f.mu.Lock()
	f.responses = responses
	f.index = 0
	f.calls = 0
	f.requests = nil
	f.mu.Unlock()
}

// Close shuts the server down.
func (f *FakeUpstream) Close() {
	if f == nil || f.server == nil {
		return
	}
	f.server.Close()
}
