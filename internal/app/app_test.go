package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorytwin/internal/config"
	"factorytwin/internal/db"
	"factorytwin/internal/migrate"
	"factorytwin/internal/store"
	"factorytwin/internal/stream"
	twinsdk "factorytwin/sdk/go"
)

func ts(s string) twinsdk.Timestamp {
	t, err := twinsdk.ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestLatestPricePicksNewestTimestamp(t *testing.T) {
	series := []twinsdk.EnergyPrice{
		{Timestamp: ts("2025-03-01T12:00:00"), PricePerKWh: 0.30},
		{Timestamp: ts("2025-03-01T14:00:00"), PricePerKWh: 0.18},
		{Timestamp: ts("2025-03-01T13:00:00"), PricePerKWh: 0.25},
	}
	p, ok := LatestPrice(series)
	require.True(t, ok)
	assert.Equal(t, 0.18, p.PricePerKWh)

	_, ok = LatestPrice(nil)
	assert.False(t, ok)
}

func TestRenderViewShowsWorkingCopy(t *testing.T) {
	v := store.View{
		Snapshot: store.Snapshot{
			Phase:    store.PhaseReady,
			Machines: []twinsdk.Machine{{ID: 1, Name: "Press", Status: twinsdk.StatusIdle}},
			Orders:   []twinsdk.Order{{ID: 1, Status: twinsdk.OrderPending}, {ID: 2, Status: twinsdk.OrderCompleted}},
			Decisions: []twinsdk.AgentDecision{
				{Agent: "EnergyAgent", Decision: `{"actions":[{"action":"reduce_load","machine_id":3}],"impact":{"notes":"cheaper"}}`},
				{Agent: "QualityAgent", Decision: "free text"},
			},
		},
		Working:    []twinsdk.Machine{{ID: 1, Name: "Press", Status: twinsdk.StatusRunning, Utilization: 55}},
		Proposed:   []twinsdk.Action{{Action: "stop", MachineID: 1}},
		ProposedBy: "ProductionAgent",
	}
	var buf bytes.Buffer
	RenderView(&buf, v, 10)
	out := buf.String()
	assert.Contains(t, out, "55.0%")
	assert.Contains(t, out, "Orders: 2 total, 1 open")
	assert.Contains(t, out, "reduce_load#3")
	assert.Contains(t, out, "cheaper")
	assert.Contains(t, out, "free text")
	assert.Contains(t, out, "Proposed by ProductionAgent")
}

func TestRuntimeSelectsTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Enabled = false
	rt, err := Open(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	defer rt.Close()
	assert.False(t, rt.HasJournal())
	assert.IsType(t, &stream.SSE{}, rt.NewSubscriber())
	assert.Equal(t, 10*time.Second, rt.Client.Timeout)

	cfg.Stream.Transport = config.TransportMQTT
	assert.IsType(t, &stream.MQTT{}, rt.NewSubscriber())
}

func TestRuntimeRegistersSessionInJournal(t *testing.T) {
	cfg := config.Default()
	rt, err := Open(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	defer rt.Close()
	require.True(t, rt.HasJournal())

	sess, err := rt.NewSession(context.Background(), false)
	require.NoError(t, err)
	sessions, err := rt.Repo.ListSessions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)
	assert.Equal(t, config.TransportSSE, sessions[0].Transport)
}

func TestRuntimeRefusesNewerJournalSchema(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	latest, err := migrate.Latest()
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE schema_version SET version=?`, latest+1)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = Open(context.Background(), dir, config.Default(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}
