package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopicURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		project string
		topic   string
		wantErr error
	}{
		{name: "valid", raw: "gcppubsub://my-project/trigger-events", project: "my-project", topic: "trigger-events"},
		{name: "wrong scheme", raw: "https://my-project/trigger-events", wantErr: ErrInvalidScheme},
		{name: "bad project", raw: "gcppubsub://X/trigger-events", wantErr: ErrInvalidProjectID},
		{name: "missing topic", raw: "gcppubsub://my-project", wantErr: ErrInvalidTopic},
		{name: "bad topic", raw: "gcppubsub://my-project/1abc", wantErr: ErrInvalidTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, topic, err := ParseTopicURL(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.project, project)
			assert.Equal(t, tt.topic, topic)
		})
	}
}

func TestEncode(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(Event{
		JobID:     42,
		JobName:   "build",
		Repo:      "acme/app",
		RunID:     "42-abcdef12",
		Source:    "webhook",
		Outcome:   "triggered",
		Execution: "projects/p/locations/r/jobs/j/executions/e",
		Time:      ts,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, float64(42), got["job_id"])
	assert.Equal(t, "webhook", got["source"])
	assert.Equal(t, "triggered", got["outcome"])
	assert.Equal(t, "2026-01-02T03:04:05Z", got["time"])
}

func TestAttributes(t *testing.T) {
	attrs := Event{JobID: 7, Source: "poll", Outcome: "failed"}.Attributes()
	assert.Equal(t, "7", attrs["jobtrigger/v1/job_id"])
	assert.Equal(t, "poll", attrs["jobtrigger/v1/source"])
	assert.Equal(t, "failed", attrs["jobtrigger/v1/outcome"])
	assert.NotContains(t, attrs, "jobtrigger/v1/repo")
}
