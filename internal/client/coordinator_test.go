package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/connectivity"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"github.com/MarcoPoloResearchLab/mealgate/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dhaka = time.FixedZone("BST", 6*60*60)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// fakeServer records requests and answers validation from a fixed decision.
type fakeServer struct {
	mu         sync.Mutex
	paths      []string
	rejectLate bool
	down       bool
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	rejectLate, down := s.rejectLate, s.down
	s.mu.Unlock()

	if down {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	switch r.URL.Path {
	case "/cutoff/validate":
		if rejectLate {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "The morning meal cutoff (8:00 AM) has passed", "cutoff_passed": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case "/messages":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{"message": map[string]any{"id": "m-1", "body": body["body"]}})
	default:
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

func (s *fakeServer) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *fakeServer) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

type coordinatorHarness struct {
	coordinator *Coordinator
	queue       *queue.Queue
	server      *fakeServer
	watcher     *connectivity.Manual
}

func newCoordinatorHarness(t *testing.T, now time.Time, online bool) *coordinatorHarness {
	t.Helper()
	server := &fakeServer{}
	api := newTestAPI(t, server)
	executor := NewExecutor(api)
	watcher := connectivity.NewManual(online)
	actionQueue, err := queue.New(queue.Config{
		Executor:     executor,
		Connectivity: watcher,
		Retry:        retry.Policy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour},
	})
	require.NoError(t, err)
	policy, err := cutoff.NewPolicy(cutoff.Config{MorningHour: 8, NightHour: 17, Location: dhaka})
	require.NoError(t, err)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Clock:        fixedClock(now),
		Policy:       policy,
		Executor:     executor,
		Queue:        actionQueue,
		Connectivity: watcher,
	})
	require.NoError(t, err)
	return &coordinatorHarness{coordinator: coordinator, queue: actionQueue, server: server, watcher: watcher}
}

func TestSubmitRejectsLocallyAfterCutoff(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 8, 30, 0, 0, dhaka), true)

	_, err := h.coordinator.Submit(context.Background(), queue.AddMeal{
		MemberID: "member-1",
		Date:     cutoff.NewDate(2024, time.May, 1),
		Period:   cutoff.PeriodMorning,
		Quantity: 1,
	})
	require.Error(t, err)
	assert.True(t, failures.IsCutoffViolation(err))
	assert.Empty(t, h.server.Paths())
	assert.Equal(t, 0, h.queue.Len())
}

func TestSubmitOnlineValidatesThenApplies(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka), true)

	outcome, err := h.coordinator.Submit(context.Background(), queue.AddMeal{
		MemberID: "member-1",
		Date:     cutoff.NewDate(2024, time.May, 1),
		Period:   cutoff.PeriodMorning,
		Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, []string{"/cutoff/validate", "/meals/add"}, h.server.Paths())
}

func TestSubmitServerRejectionIsNotQueued(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 7, 59, 0, 0, dhaka), true)
	h.server.rejectLate = true

	_, err := h.coordinator.Submit(context.Background(), queue.RemoveMeal{
		MemberID: "member-1",
		Date:     cutoff.NewDate(2024, time.May, 1),
		Period:   cutoff.PeriodMorning,
	})
	require.Error(t, err)
	assert.True(t, failures.IsCutoffViolation(err))
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, []string{"/cutoff/validate"}, h.server.Paths())
}

func TestSubmitOfflineQueues(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka), false)

	outcome, err := h.coordinator.Submit(context.Background(), queue.SendMessage{MemberID: "member-1", Body: "out of rice"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, 1, h.queue.Len())
	assert.Empty(t, h.server.Paths())
}

func TestSubmitTransientFailureQueuesAndReplays(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka), true)
	h.server.setDown(true)

	outcome, err := h.coordinator.Submit(context.Background(), queue.UpdateDetails{
		MemberID: "member-1",
		Date:     cutoff.NewDate(2024, time.May, 2),
		Details:  "one guest",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	require.Equal(t, 1, h.queue.Len())

	h.server.setDown(false)
	require.NoError(t, h.queue.Drain(context.Background()))
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, []string{"/meals/details", "/meals/details"}, h.server.Paths())
}

func TestSubmitQueuesBehindPendingActions(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka), true)
	slotDate := cutoff.NewDate(2024, time.May, 1)
	h.server.setDown(true)

	outcome, err := h.coordinator.Submit(context.Background(), queue.AddMeal{
		MemberID: "member-1",
		Date:     slotDate,
		Period:   cutoff.PeriodMorning,
		Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, outcome)

	h.server.setDown(false)
	outcome, err = h.coordinator.Submit(context.Background(), queue.RemoveMeal{
		MemberID: "member-1",
		Date:     slotDate,
		Period:   cutoff.PeriodMorning,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, 2, h.queue.Len())
	assert.Equal(t, []string{"/cutoff/validate"}, h.server.Paths())

	require.NoError(t, h.queue.Drain(context.Background()))
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, []string{
		"/cutoff/validate",
		"/cutoff/validate", "/meals/add",
		"/cutoff/validate", "/meals/remove",
	}, h.server.Paths())
}

func TestReplayAfterCutoffIsDroppedAsViolation(t *testing.T) {
	h := newCoordinatorHarness(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, dhaka), false)

	outcome, err := h.coordinator.Submit(context.Background(), queue.AddMeal{
		MemberID: "member-1",
		Date:     cutoff.NewDate(2024, time.May, 1),
		Period:   cutoff.PeriodMorning,
		Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, outcome)

	h.server.rejectLate = true
	h.watcher.SetOnline(true)
	require.NoError(t, h.queue.Drain(context.Background()))

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, queue.StatusError, h.queue.Status())
	assert.Equal(t, []string{"/cutoff/validate"}, h.server.Paths())
}
