// Package notify publishes a record of every attempted trigger to an
// external topic so other systems can audit or react to executions.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub/v2"
)

var (
	ErrInvalidProjectID = errors.New("URL host must be a valid GCP project ID")
	ErrInvalidTopic     = errors.New("URL path must be a valid GCP pubsub topic ID")
	ErrInvalidScheme    = errors.New("URL scheme must be: " + Scheme)

	// Scheme is the topic URL scheme, e.g. gcppubsub://<project_id>/<topic>.
	Scheme = "gcppubsub"

	// https://cloud.google.com/resource-manager/docs/creating-managing-projects#before_you_begin
	projectIDRegex = regexp.MustCompile(`^[a-z][-a-z0-9]{4,28}[a-z0-9]$`)
	// https://cloud.google.com/pubsub/docs/create-topic#resource_names
	topicRegex = regexp.MustCompile(`^[a-zA-Z][-a-zA-Z0-9._~%+]{2,254}$`)
)

// Event describes one trigger attempt.
type Event struct {
	JobID     int64     `json:"job_id"`
	JobName   string    `json:"job_name,omitempty"`
	Repo      string    `json:"repo,omitempty"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Outcome   string    `json:"outcome"`
	Execution string    `json:"execution,omitempty"`
	Time      time.Time `json:"time"`
}

// Attributes returns message attributes subscribers can filter on.
//
// https://cloud.google.com/pubsub/docs/subscription-message-filter#filtering_syntax
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"jobtrigger/v1/job_id":  strconv.FormatInt(e.JobID, 10),
		"jobtrigger/v1/source":  e.Source,
		"jobtrigger/v1/outcome": e.Outcome,
	}
	if e.Repo != "" {
		attrs["jobtrigger/v1/repo"] = e.Repo
	}
	return attrs
}

// Notifier receives trigger events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Close() error
}

// ParseTopicURL splits a gcppubsub://<project>/<topic> URL.
func ParseTopicURL(raw string) (project, topic string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != Scheme {
		return "", "", ErrInvalidScheme
	}
	if !projectIDRegex.MatchString(u.Host) {
		return "", "", ErrInvalidProjectID
	}
	if len(u.Path) == 0 || u.Path[0] != '/' || !topicRegex.MatchString(u.Path[1:]) {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, u.Path)
	}
	return u.Host, u.Path[1:], nil
}

// PubSub publishes events to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logger    *slog.Logger
}

var _ Notifier = (*PubSub)(nil)

// NewPubSub connects to the topic named by rawURL using Application
// Default Credentials.
func NewPubSub(ctx context.Context, rawURL string, logger *slog.Logger) (*PubSub, error) {
	project, topic, err := ParseTopicURL(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	logger.Info("trigger events enabled",
		slog.String("project", project),
		slog.String("topic", topic),
	)
	return &PubSub{
		client:    client,
		publisher: client.Publisher(topic),
		logger:    logger,
	}, nil
}

// Encode returns the message payload for e.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Notify publishes e and waits for the server acknowledgement.
func (p *PubSub) Notify(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	res := p.publisher.Publish(ctx, &pubsub.Message{
		Attributes: e.Attributes(),
		Data:       data,
	})
	_, err = res.Get(ctx)
	return err
}

// Close flushes pending messages and closes the client.
func (p *PubSub) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
