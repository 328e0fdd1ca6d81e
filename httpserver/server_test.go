package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavekit/inference-bootstrap/attestation"
)

type fakeStatus struct {
	ready   bool
	state   string
	outcome string
}

func (f *fakeStatus) Ready() bool { return f.ready }

func (f *fakeStatus) Status() (string, string) { return f.state, f.outcome }

func newTestServer(t *testing.T, status *fakeStatus, provider attestation.Provider) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      log,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(status, provider, log))
	require.NoError(t, err)
	return srv
}

func TestReadinessFollowsPipeline(t *testing.T) {
	status := &fakeStatus{state: "monitoring", outcome: "pending"}
	srv := newTestServer(t, status, nil)
	router := srv.getRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status.ready = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDrainOverridesReadiness(t *testing.T) {
	status := &fakeStatus{ready: true, state: "monitoring", outcome: "pending"}
	srv := newTestServer(t, status, nil)
	router := srv.getRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drain", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/undrain", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLiveness(t *testing.T) {
	srv := newTestServer(t, &fakeStatus{}, nil)

	rec := httptest.NewRecorder()
	srv.getRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStateEndpoint(t *testing.T) {
	status := &fakeStatus{ready: false, state: "terminated", outcome: "attestation_mismatch"}
	srv := newTestServer(t, status, nil)

	rec := httptest.NewRecorder()
	srv.getRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "terminated", resp.State)
	assert.Equal(t, "attestation_mismatch", resp.Outcome)
	assert.False(t, resp.Ready)
}

func TestAttestationEndpoint(t *testing.T) {
	provider := attestation.StaticProvider{Document: []byte("attestation-doc")}
	srv := newTestServer(t, &fakeStatus{}, provider)

	rec := httptest.NewRecorder()
	srv.getRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attestation?nonce=deadbeef", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp attestationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(attestation.StaticAttestation), resp.Type)

	doc, err := base64.StdEncoding.DecodeString(resp.Document)
	require.NoError(t, err)
	assert.Equal(t, []byte("attestation-doc"), doc)
}

func TestAttestationEndpointRejectsBadNonce(t *testing.T) {
	srv := newTestServer(t, &fakeStatus{}, attestation.StaticProvider{Document: []byte("doc")})

	rec := httptest.NewRecorder()
	srv.getRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attestation?nonce=zz", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttestationEndpointWithoutProvider(t *testing.T) {
	srv := newTestServer(t, &fakeStatus{}, nil)

	rec := httptest.NewRecorder()
	srv.getRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attestation", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
