package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorytwin/internal/domain"
	"factorytwin/internal/stream"
	twinsdk "factorytwin/sdk/go"
)

func startSession(t *testing.T, be *fakeBackend) (*Session, *fakeSubscriber, *fakeRecorder) {
	t.Helper()
	sub := newFakeSubscriber()
	rec := &fakeRecorder{}
	sess := NewSession(be, sub, Options{Recorder: rec, MaxDecisions: 10})
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(func() { _ = sess.Dispose() })
	return sess, sub, rec
}

func push(t *testing.T, sub *fakeSubscriber, kind, payload string) {
	t.Helper()
	evt, err := stream.Decode(kind, []byte(payload))
	require.NoError(t, err)
	select {
	case sub.events <- evt:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber not running")
	}
}

func TestSessionLoadsAndAppliesStreamEvents(t *testing.T) {
	be := &fakeBackend{machines: []twinsdk.Machine{{ID: 1, Status: twinsdk.StatusIdle, Utilization: 10}}}
	sess, sub, _ := startSession(t, be)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := sess.WaitReady(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	push(t, sub, "state_update", `[{"machine_id":1,"new_status":"running","new_utilization":80}]`)
	push(t, sub, "decision", `{"agent":"EnergyAgent","decision":{"actions":[]}}`)
	push(t, sub, "message", `{"hello":1}`)

	require.Eventually(t, func() bool {
		v := sess.View()
		return len(v.Decisions) == 1 && machineByID(v.Working, 1).Status == twinsdk.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	v := sess.View()
	assert.Equal(t, PhaseReady, v.Phase)
	assert.Equal(t, 80.0, machineByID(v.Machines, 1).Utilization)
	assert.Equal(t, 80.0, machineByID(v.Working, 1).Utilization)
	assert.Equal(t, `{"actions":[]}`, v.Decisions[0].Decision)
}

func TestSessionEventsBeforeLoadDoNotFail(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{machines: []twinsdk.Machine{{ID: 1, Status: twinsdk.StatusIdle}}, machinesGate: gate}
	sess, sub, _ := startSession(t, be)

	push(t, sub, "machine_update", `{"id":1,"status":"running"}`)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sess.WaitReady(ctx)
	require.NoError(t, err)
	assert.Len(t, sess.View().Working, 1)
}

func TestSessionDisposeClosesStreamOnce(t *testing.T) {
	sub := newFakeSubscriber()
	rec := &fakeRecorder{}
	sess := NewSession(&fakeBackend{}, sub, Options{Recorder: rec})
	require.NoError(t, sess.Start(context.Background()))
	require.Error(t, sess.Start(context.Background()))

	require.NoError(t, sess.Dispose())
	require.NoError(t, sess.Dispose())
	assert.Equal(t, int32(1), atomic.LoadInt32(&sub.closes))

	_, err := sess.Store.ApplyDecision(domain.DecisionEvent{Agent: "late"})
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, sess.Overlay.SetUtilization(context.Background(), 1, 2), ErrDisposed)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.JournalSessionStart, types[0])
	assert.Equal(t, domain.JournalSessionEnd, types[len(types)-1])
}

func TestSessionRunAllMergesUpdates(t *testing.T) {
	be := &fakeBackend{
		machines: sampleMachines(),
		runAll: twinsdk.RunAllResult{
			Updates: []twinsdk.MachineUpdate{{MachineID: 2, Status: status(twinsdk.StatusMaintenance)}},
		},
	}
	sess, _, _ := startSession(t, be)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sess.WaitReady(ctx)
	require.NoError(t, err)

	_, err = sess.RunAllAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, twinsdk.StatusMaintenance, machineByID(sess.View().Working, 2).Status)

	ack, err := sess.RunAgent(ctx, twinsdk.AgentQuality)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(ack))
	assert.Equal(t, []twinsdk.AgentKey{twinsdk.AgentQuality}, be.runKeys)
}
