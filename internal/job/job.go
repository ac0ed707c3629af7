// Package job holds the queued-job value shared by the webhook and poll
// paths.
package job

import "fmt"

// Queued is one CI job waiting for a runner.  It is built either from a
// webhook payload or from the job-source listing and is never modified
// afterwards.
type Queued struct {
	ID     int64
	Name   string
	Repo   string // owner/name
	RunID  int64
	Labels []string
	// DeliveryID is the webhook delivery that reported the job; empty when
	// the job was found by polling.
	DeliveryID string
}

func (q Queued) String() string {
	return fmt.Sprintf("%s#%d (%s)", q.Repo, q.ID, q.Name)
}
