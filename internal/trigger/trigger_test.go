package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/job"
	"github.com/terrpan/jobtrigger/internal/ledger"
	"github.com/terrpan/jobtrigger/internal/notify"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockExecutor struct {
	mu    sync.Mutex
	calls []string
	modes []bool
	fail  bool
	delay time.Duration
}

func (m *mockExecutor) Execute(_ context.Context, runID string, blocking bool) engine.Handle {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, runID)
	m.modes = append(m.modes, blocking)
	if m.fail {
		return nil
	}
	if blocking {
		return engine.Confirmed{ExecutionID: "exec/" + runID}
	}
	return engine.NewSubmitted(runID)
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (m *mockNotifier) Notify(_ context.Context, e notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *mockNotifier) Close() error { return nil }

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type DispatcherSuite struct {
	suite.Suite
	ledger   *ledger.Ledger
	exec     *mockExecutor
	notifier *mockNotifier
	d        *Dispatcher
	job      job.Queued
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ledger = ledger.New(10)
	s.exec = &mockExecutor{}
	s.notifier = &mockNotifier{}
	s.d = New(Config{
		Ledger:   s.ledger,
		Executor: s.exec,
		Cooldown: time.Minute,
		Notifier: s.notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.job = job.Queued{ID: 42, Name: "build", Repo: "acme/app"}
}

func (s *DispatcherSuite) TestTriggersAndMarks() {
	res := s.d.Dispatch(context.Background(), s.job, SourceWebhook, "42-abcdef12", true)

	s.Equal(Triggered, res.Outcome)
	s.Equal("42-abcdef12", res.RunID)
	s.Equal("exec/42-abcdef12", res.Handle.ID())
	s.True(s.ledger.WasRecentlyTriggered(42, time.Minute))
	s.Equal([]bool{true}, s.exec.modes)
}

func (s *DispatcherSuite) TestSecondDispatchSkipped() {
	s.d.Dispatch(context.Background(), s.job, SourcePoll, "42-poll-1", false)
	res := s.d.Dispatch(context.Background(), s.job, SourceWebhook, "42-abc", true)

	s.Equal(AlreadyTriggered, res.Outcome)
	s.Nil(res.Handle)
	s.Equal(1, s.exec.callCount())
	s.Equal(1, s.ledger.Len())
}

func (s *DispatcherSuite) TestFailureKeepsClaim() {
	s.exec.fail = true

	res := s.d.Dispatch(context.Background(), s.job, SourceWebhook, "42-abc", true)
	s.Equal(Failed, res.Outcome)
	s.Nil(res.Handle)
	s.True(s.ledger.WasRecentlyTriggered(42, time.Minute))

	again := s.d.Dispatch(context.Background(), s.job, SourcePoll, "42-poll-1", false)
	s.Equal(AlreadyTriggered, again.Outcome)
}

func (s *DispatcherSuite) TestConcurrentDispatchTriggersOnce() {
	s.exec.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	var triggered, skipped atomic.Int32
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := SourceWebhook
			if i%2 == 0 {
				src = SourcePoll
			}
			switch s.d.Dispatch(context.Background(), s.job, src, "run", i%2 == 1).Outcome {
			case Triggered:
				triggered.Add(1)
			case AlreadyTriggered:
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), triggered.Load())
	s.Equal(int32(31), skipped.Load())
	s.Equal(1, s.exec.callCount())
}

func (s *DispatcherSuite) TestPublishesEvents() {
	s.d.Dispatch(context.Background(), s.job, SourceWebhook, "42-abc", true)
	s.d.Dispatch(context.Background(), s.job, SourceWebhook, "42-def", true)
	s.d.Wait()

	s.notifier.mu.Lock()
	defer s.notifier.mu.Unlock()
	// Skipped dispatches are not attempts and publish nothing.
	s.Require().Len(s.notifier.events, 1)
	e := s.notifier.events[0]
	s.Equal(int64(42), e.JobID)
	s.Equal("acme/app", e.Repo)
	s.Equal("webhook", e.Source)
	s.Equal("triggered", e.Outcome)
	s.Equal("exec/42-abc", e.Execution)
	s.False(e.Time.IsZero())
}

func (s *DispatcherSuite) TestPublishFailureDoesNotAffectResult() {
	s.notifier.err = errors.New("topic not found")

	res := s.d.Dispatch(context.Background(), s.job, SourceWebhook, "42-abc", true)
	s.d.Wait()
	s.Equal(Triggered, res.Outcome)
}

func (s *DispatcherSuite) TestNoNotifier() {
	d := New(Config{Ledger: ledger.New(1), Executor: s.exec})
	s.Equal(DefaultCooldown, d.Cooldown())
	s.Equal(Triggered, d.Dispatch(context.Background(), s.job, SourcePoll, "r", false).Outcome)
}

func TestWebhookRunID(t *testing.T) {
	assert.Equal(t, "42-72d3162e", WebhookRunID(42, "72d3162e-cc78-11e3-81ab-4c9367dc0958"))
	assert.Equal(t, "42-abc", WebhookRunID(42, "abc"))
	assert.Equal(t, "42-unknown", WebhookRunID(42, ""))
}

func TestPollRunID(t *testing.T) {
	id := PollRunID(42)
	assert.Regexp(t, regexp.MustCompile(`^42-poll-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, PollRunID(42))
}
