// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/jobtrigger/internal/buildinfo"
)

// Snapshot is the configuration reported by the health endpoint.  It is
// fixed for the lifetime of the process.
type Snapshot struct {
	Project             string   `json:"project"`
	Region              string   `json:"region"`
	RunnerJob           string   `json:"runner_job"`
	Engine              string   `json:"engine"`
	Target              string   `json:"target"`
	Labels              []string `json:"labels"`
	PollingEnabled      bool     `json:"polling_enabled"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
}

// LedgerStats reports trigger-ledger occupancy.
type LedgerStats interface {
	Len() int
	Capacity() int
}

// Ledger is the ledger section of the response.
type Ledger struct {
	Size     int `json:"size"`
	Capacity int `json:"capacity"`
}

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Config       Snapshot  `json:"config"`
	Ledger       *Ledger   `json:"ledger,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info and the
// configuration snapshot.  The status is always "healthy" (200 OK): this is
// a liveness check with no side effects and no external dependencies to
// verify.  stats may be nil.
func Handler(snap Snapshot, stats LedgerStats) http.HandlerFunc {
	if snap.Labels == nil {
		snap.Labels = []string{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  buildinfo.ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Config:       snap,
			Timestamp:    time.Now().UTC(),
		}
		if stats != nil {
			response.Ledger = &Ledger{Size: stats.Len(), Capacity: stats.Capacity()}
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
