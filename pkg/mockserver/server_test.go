package mockserver

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxCampman/pact-reference/pkg/models"
	pacttls "github.com/MaxCampman/pact-reference/pkg/tls"
)

func pingPact() *models.Pact {
	pact := models.NewPact("Consumer", "Provider")
	pact.AddInteraction(models.Interaction{
		Description: "a ping request",
		Request:     models.Request{Method: "GET", Path: "/ping"},
		Response: models.Response{
			Status:  200,
			Headers: map[string]string{"Content-Type": "text/plain"},
			Body:    "pong",
		},
	})
	return pact
}

func startServer(t *testing.T, pact *models.Pact, cfg Config) *MockServer {
	t.Helper()
	server, err := New("test-server", pact, "127.0.0.1:0", cfg)
	require.NoError(t, err)
	server.Start()
	t.Cleanup(func() {
		if server.Status() == StatusRunning {
			_ = server.Shutdown()
			<-server.Done()
		}
	})
	return server
}

func TestNewResolvesPort(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})
	assert.Greater(t, server.Port(), 0)
	assert.Equal(t, StatusRunning, server.Status())
	assert.True(t, strings.HasPrefix(server.URL(), "http://127.0.0.1:"))
}

func TestNewRejectsNilPact(t *testing.T) {
	t.Parallel()

	_, err := New("x", nil, "127.0.0.1:0", Config{})
	assert.Error(t, err)
}

func TestNewBindFailure(t *testing.T) {
	t.Parallel()

	first := startServer(t, pingPact(), Config{})
	_, err := New("second", pingPact(), first.Address(), Config{})
	assert.Error(t, err)
}

func TestMatchedRequest(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})

	resp, err := http.Get(server.URL() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.Empty(t, resp.Header.Get(MismatchHeader))

	matchLog := server.MatchLog()
	require.Len(t, matchLog, 1)
	assert.True(t, matchLog[0].Matched)
	assert.Equal(t, "a ping request", matchLog[0].Description)
	assert.Empty(t, server.Mismatches())
	assert.True(t, server.AllMatched())
	assert.Equal(t, Metrics{RequestsReceived: 1}, server.Metrics())
}

func TestUnmatchedRequest(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})

	resp, err := http.Get(server.URL() + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Request-Unmatched", resp.Header.Get(MismatchHeader))

	var payload struct {
		Error      string            `json:"error"`
		Mismatches []json.RawMessage `json:"mismatches"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.NotEmpty(t, payload.Error)
	assert.NotEmpty(t, payload.Mismatches)

	// The server keeps serving after a mismatch.
	assert.Equal(t, StatusRunning, server.Status())

	mismatches := server.Mismatches()
	require.Len(t, mismatches, 1)
	assert.Equal(t, "/nope", mismatches[0].Request.Path)
	assert.False(t, server.AllMatched())
	assert.Equal(t, Metrics{RequestsReceived: 1, RequestsUnmatched: 1}, server.Metrics())
}

func TestAllMatchedRequiresEveryInteraction(t *testing.T) {
	t.Parallel()

	pact := pingPact()
	pact.AddInteraction(models.Interaction{
		Description: "a health request",
		Request:     models.Request{Method: "GET", Path: "/health"},
		Response:    models.Response{Status: 200},
	})
	server := startServer(t, pact, Config{})

	resp, err := http.Get(server.URL() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()

	// /health was never exercised.
	assert.False(t, server.AllMatched())

	resp, err = http.Get(server.URL() + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, server.AllMatched())
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{CORSPreflight: true})

	req, err := http.NewRequest(http.MethodOptions, server.URL()+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Headers", "X-Custom")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Custom", resp.Header.Get("Access-Control-Allow-Headers"))

	// Preflight probes count as traffic but never enter the match log.
	assert.Empty(t, server.MatchLog())
	assert.Equal(t, Metrics{RequestsReceived: 1}, server.Metrics())
	assert.False(t, server.AllMatched())
}

func TestPreflightDisabledRecordsMismatch(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})

	req, err := http.NewRequest(http.MethodOptions, server.URL()+"/anything", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Len(t, server.Mismatches(), 1)
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})

	resp, err := http.Get(server.URL() + "/nope")
	require.NoError(t, err)
	resp.Body.Close()

	server.ResetMetrics()
	assert.Equal(t, Metrics{}, server.Metrics())
	assert.Empty(t, server.MatchLog())
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})
	addr := server.Address()

	require.NoError(t, server.Shutdown())
	assert.Equal(t, StatusStopped, server.Status())

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("serving goroutine did not exit")
	}

	// A second shutdown is refused.
	assert.Error(t, server.Shutdown())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestListenerFailureStopsServer(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})

	// Pull the listener out from under the serve loop.
	require.NoError(t, server.listener.Close())

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("serving goroutine did not exit after listener failure")
	}

	assert.Equal(t, StatusStopped, server.Status())
	assert.Error(t, server.Shutdown())
}

func TestTLSServer(t *testing.T) {
	t.Parallel()

	cert, err := pacttls.GenerateSelfSignedCert(nil)
	require.NoError(t, err)
	tlsCfg, err := pacttls.BuildServerConfig(cert.CertPEM, cert.KeyPEM)
	require.NoError(t, err)

	server := startServer(t, pingPact(), Config{TLSConfig: tlsCfg})
	require.True(t, strings.HasPrefix(server.URL(), "https://"))

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(cert.CertPEM))
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}}

	resp, err := client.Get(server.URL() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}

func TestWritePact(t *testing.T) {
	t.Parallel()

	server := startServer(t, pingPact(), Config{})
	path, err := server.WritePact(t.TempDir())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "Consumer-Provider.json"))
}
