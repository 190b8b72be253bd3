package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gateway-fm/vrffulfiller/internal/tracker"
	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

type fakeAPI struct {
	status     types.EngineStatus
	statusErr  error
	requests   map[uint64]*tracker.StoredRequest
	recent     []tracker.StoredRequest
	lastStatus types.RequestStatus
	lastLimit  int
}

func (f *fakeAPI) Status(ctx context.Context) (types.EngineStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeAPI) Request(ctx context.Context, requestID uint64) (*tracker.StoredRequest, error) {
	return f.requests[requestID], nil
}

func (f *fakeAPI) Recent(ctx context.Context, status types.RequestStatus, limit int) ([]tracker.StoredRequest, error) {
	f.lastStatus = status
	f.lastLimit = limit
	return f.recent, nil
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) CheckNode(ctx context.Context) error { return f.err }

func newTestServer(t *testing.T, api *fakeAPI, health HealthChecker) *Server {
	t.Helper()
	s := NewServer(api, health, "devnet", nil)
	t.Cleanup(s.Stop)
	return s
}

func doGet(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	api := &fakeAPI{
		status: types.EngineStatus{
			Cursor:   105,
			Head:     110,
			InFlight: 2,
			Counts:   map[string]int64{"pending": 1, "submitted": 2},
		},
	}
	s := newTestServer(t, api, nil)

	rec := doGet(t, s.Handler(), "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var got types.EngineStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Network != "devnet" {
		t.Errorf("Network = %q, want devnet (injected by the server)", got.Network)
	}
	if got.Cursor != 105 || got.Head != 110 {
		t.Errorf("cursor/head = %d/%d, want 105/110", got.Cursor, got.Head)
	}
}

func TestStatusEndpointError(t *testing.T) {
	api := &fakeAPI{statusErr: errors.New("db closed")}
	s := newTestServer(t, api, nil)

	rec := doGet(t, s.Handler(), "/v1/status")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", rec.Code)
	}
}

func TestStatusEndpointMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeAPI{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status code = %d, want 405", rec.Code)
	}
}

func TestRequestsEndpoint(t *testing.T) {
	api := &fakeAPI{
		recent: []tracker.StoredRequest{
			{RequestID: 7, Status: types.StatusFulfilled},
			{RequestID: 8, Status: types.StatusPending},
		},
	}
	s := newTestServer(t, api, nil)

	rec := doGet(t, s.Handler(), "/v1/requests?status=fulfilled&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if api.lastStatus != types.StatusFulfilled {
		t.Errorf("status filter passed = %q, want fulfilled", api.lastStatus)
	}
	if api.lastLimit != 10 {
		t.Errorf("limit passed = %d, want 10", api.lastLimit)
	}

	var body struct {
		Requests []tracker.StoredRequest `json:"requests"`
		Count    int                     `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}
}

func TestRequestsEndpointInvalidStatus(t *testing.T) {
	s := newTestServer(t, &fakeAPI{}, nil)

	rec := doGet(t, s.Handler(), "/v1/requests?status=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", rec.Code)
	}
}

func TestRequestsEndpointLimitClamped(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(t, api, nil)

	// Out-of-range limits fall back to the default.
	doGet(t, s.Handler(), "/v1/requests?limit=99999")
	if api.lastLimit != 50 {
		t.Errorf("limit passed = %d, want default 50", api.lastLimit)
	}
}

func TestRequestDetail(t *testing.T) {
	api := &fakeAPI{
		requests: map[uint64]*tracker.StoredRequest{
			42: {RequestID: 42, Status: types.StatusSubmitted, Attempts: 1, TxHash: "0xabc"},
		},
	}
	s := newTestServer(t, api, nil)

	rec := doGet(t, s.Handler(), "/v1/requests/42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var got tracker.StoredRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RequestID != 42 || got.TxHash != "0xabc" {
		t.Errorf("request = %+v, want id 42 with tx 0xabc", got)
	}
}

func TestRequestDetailNotFound(t *testing.T) {
	s := newTestServer(t, &fakeAPI{requests: map[uint64]*tracker.StoredRequest{}}, nil)

	rec := doGet(t, s.Handler(), "/v1/requests/999")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", rec.Code)
	}
}

func TestRequestDetailInvalidID(t *testing.T) {
	s := newTestServer(t, &fakeAPI{}, nil)

	rec := doGet(t, s.Handler(), "/v1/requests/abc")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeAPI{}, nil)

	rec := doGet(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		health   error
		wantCode int
		wantOK   bool
	}{
		{name: "node reachable", health: nil, wantCode: http.StatusOK, wantOK: true},
		{name: "node down", health: errors.New("connection refused"), wantCode: http.StatusServiceUnavailable, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeAPI{}, &fakeHealth{err: tt.health})

			rec := doGet(t, s.Handler(), "/ready")
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Ready  bool             `json:"ready"`
				Checks []ReadinessCheck `json:"checks"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Ready != tt.wantOK {
				t.Errorf("ready = %v, want %v", body.Ready, tt.wantOK)
			}
			if len(body.Checks) != 1 || body.Checks[0].Name != "chain-rpc" {
				t.Errorf("checks = %+v, want single chain-rpc check", body.Checks)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeAPI{}, nil)

	rec := doGet(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
}
