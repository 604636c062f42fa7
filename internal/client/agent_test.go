package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/config"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentSettings(serverURL, stateDir string) config.ClientConfig {
	return config.ClientConfig{
		ServerURL:     serverURL,
		Token:         "test-token",
		MemberID:      "member-1",
		StateDir:      stateDir,
		SyncInterval:  time.Hour,
		StaleAfter:    time.Hour,
		MaxAge:        24 * time.Hour,
		MaxAttempts:   3,
		MaxRetries:    0,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		ProbeInterval: time.Hour,
		Cutoff:        config.CutoffConfig{MorningHour: 8, NightHour: 17, Timezone: "Asia/Dhaka"},
	}
}

type agentServer struct {
	serverTime time.Time
	messages   atomic.Int32
}

func (s *agentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/time":
		writeJSON(w, http.StatusOK, map[string]any{"server_time_ms": s.serverTime.UnixMilli()})
	case "/cutoff/config":
		writeJSON(w, http.StatusOK, CutoffSettings{MorningHour: 9, NightHour: 18, Timezone: "UTC"})
	case "/messages":
		s.messages.Add(1)
		writeJSON(w, http.StatusCreated, map[string]any{"message": map[string]any{"id": "m-1"}})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	}
}

func TestAgentStartOnlineAdoptsServerSettings(t *testing.T) {
	backend := &agentServer{serverTime: time.Now().Add(2 * time.Hour)}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	agent, err := NewAgent(AgentConfig{Settings: agentSettings(server.URL, t.TempDir())})
	require.NoError(t, err)
	t.Cleanup(agent.Close)

	require.NoError(t, agent.Start(context.Background()))
	assert.True(t, agent.Prober.Online())
	assert.Equal(t, 9, agent.Coordinator.Policy().CutoffHour(cutoff.PeriodMorning))
	assert.Equal(t, "member-1", agent.MemberID())

	require.Eventually(t, func() bool {
		return agent.Clock.CurrentEstimate().Synced
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, (2 * time.Hour).Milliseconds(), agent.Clock.CurrentEstimate().OffsetMillis, 5000)

	outcome, err := agent.Coordinator.Submit(context.Background(), queue.SendMessage{MemberID: "member-1", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, int32(1), backend.messages.Load())
}

func TestAgentOfflineQueuePersistsAcrossRestarts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()
	stateDir := t.TempDir()

	first, err := NewAgent(AgentConfig{Settings: agentSettings(serverURL, stateDir)})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	assert.False(t, first.Prober.Online())
	assert.Equal(t, 8, first.Coordinator.Policy().CutoffHour(cutoff.PeriodMorning))

	outcome, err := first.Coordinator.Submit(context.Background(), queue.SendMessage{MemberID: "member-1", Body: "running late"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	require.NoError(t, first.Flush(context.Background(), time.Second))
	first.Close()

	second, err := NewAgent(AgentConfig{Settings: agentSettings(serverURL, stateDir)})
	require.NoError(t, err)
	t.Cleanup(second.Close)
	require.NoError(t, second.Start(context.Background()))

	pending := second.Queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, queue.KindSendMessage, pending[0].Payload.Kind())
}

func TestAgentFlushReplaysWhenOnline(t *testing.T) {
	backend := &agentServer{serverTime: time.Now()}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	agent, err := NewAgent(AgentConfig{Settings: agentSettings(server.URL, t.TempDir())})
	require.NoError(t, err)
	t.Cleanup(agent.Close)

	require.NoError(t, agent.Start(context.Background()))
	_, err = agent.Queue.Enqueue(context.Background(), queue.SendMessage{MemberID: "member-1", Body: "queued while online"})
	require.NoError(t, err)

	require.NoError(t, agent.Flush(context.Background(), 2*time.Second))
	assert.Equal(t, 0, agent.Queue.Len())
	assert.Equal(t, int32(1), backend.messages.Load())
}
