package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// MockTwitchServer mocks the Helix endpoints used for discovery and live
// status polling.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an HTTP client whose requests are rewritten to the mock
// server regardless of the hardcoded production host.
func (m *MockTwitchServer) Client() *http.Client {
	target, _ := url.Parse(m.URL)
	return &http.Client{Transport: &rewriteRoundTripper{host: target.Host}}
}

type rewriteRoundTripper struct {
	host string
}

func (rt *rewriteRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = rt.host
	return http.DefaultTransport.RoundTrip(clone)
}

// MockUserResponse registers a /helix/users response.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		})
	}
}

// MockVideosResponse registers a /helix/videos response.
func (m *MockTwitchServer) MockVideosResponse(videos []map[string]string, cursor string) {
	m.Handlers["/helix/videos"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data":       videos,
			"pagination": map[string]string{"cursor": cursor},
		})
	}
}

// MockStreamResponse registers a /helix/streams response; pass nil for an
// offline channel.
func (m *MockTwitchServer) MockStreamResponse(stream map[string]string) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if stream != nil {
			data = append(data, stream)
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockTokenResponse registers the app token endpoint.
func (m *MockTwitchServer) MockTokenResponse(token string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": token,
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
