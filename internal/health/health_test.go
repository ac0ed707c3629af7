package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/jobtrigger/internal/ledger"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Project:             "my-project",
		Region:              "us-central1",
		RunnerJob:           "github-runner",
		Engine:              "cloudrun",
		Target:              "projects/my-project/locations/us-central1/jobs/github-runner",
		Labels:              []string{"self-hosted", "cloud-run"},
		PollingEnabled:      true,
		PollIntervalSeconds: 60,
	}
}

func TestHandlerReturnsStatusOK(t *testing.T) {
	handler := Handler(testSnapshot(), nil)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	handler := Handler(testSnapshot(), nil)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	var resp Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "jobtrigger", resp.ServiceName)
	assert.Equal(t, testSnapshot(), resp.Config)
	assert.Nil(t, resp.Ledger)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.GoVersion)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerReportsLedgerSize(t *testing.T) {
	l := ledger.New(50)
	handler := Handler(testSnapshot(), l)

	l.MarkTriggered(1)
	l.MarkTriggered(2)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/health", nil))

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Ledger)
	assert.Equal(t, 2, resp.Ledger.Size)
	assert.Equal(t, 50, resp.Ledger.Capacity)
}

func TestHandlerEmptyLabelsEncodedAsArray(t *testing.T) {
	handler := Handler(Snapshot{Engine: "docker"}, nil)
	w := httptest.NewRecorder()

	handler(w, httptest.NewRequest("GET", "/health", nil))

	assert.True(t, strings.Contains(w.Body.String(), `"labels":[]`))
}

func TestHandlerHasNoSideEffects(t *testing.T) {
	l := ledger.New(10)
	handler := Handler(testSnapshot(), l)

	for range 3 {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Zero(t, l.Len())
}
