package twinsdk

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "http://twin.test/api"

func newTestClient() *Client {
	c := New(testBase)
	gock.InterceptClient(c.HTTPClient)
	return c
}

func TestFetchCollections(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Get("/api/data/machines").
		Reply(200).
		JSON([]map[string]any{
			{"id": 1, "name": "Press", "status": "idle", "utilization": 10, "energy_usage": 3.5},
		})
	gock.New("http://twin.test").
		Get("/api/data/orders").
		Reply(200).
		JSON([]map[string]any{
			{"id": 7, "customer": "ACME", "quantity": 40, "deadline": "2025-03-01T12:00:00", "status": "pending"},
		})
	gock.New("http://twin.test").
		Get("/api/data/energy").
		Reply(200).
		JSON([]map[string]any{
			{"timestamp": "2025-03-01T10:00:00+00:00", "price_per_kwh": 0.61},
			{"timestamp": "2025-03-01T11:00:00+00:00", "price_per_kwh": 0.58},
		})

	c := newTestClient()
	ctx := context.Background()

	machines, err := c.Machines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, Machine{ID: 1, Name: "Press", Status: StatusIdle, Utilization: 10, EnergyUsage: 3.5}, machines[0])

	orders, err := c.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), orders[0].Deadline.Time)
	assert.Equal(t, OrderPending, orders[0].Status)

	energy, err := c.Energy(ctx)
	require.NoError(t, err)
	require.Len(t, energy, 2)
	assert.True(t, energy[0].Timestamp.Before(energy[1].Timestamp.Time), "backend order must be kept")
	assert.True(t, gock.IsDone())
}

func TestFetchDecisionsNormalizesShapes(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Get("/api/data/decisions").
		Reply(200).
		JSON([]map[string]any{
			{"id": 12, "agent": "EnergyAgent", "decision": `{"actions": [], "impact": {"notes": "ok"}}`, "created_at": "2025-03-01T10:00:00.123456"},
			{"id": "local-x", "agent_name": "QualityAgent", "decision": map[string]any{"actions": []any{}}, "created_at": "2025-03-01T09:00:00Z"},
		})

	decisions, err := newTestClient().Decisions(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, DecisionID("12"), decisions[0].ID)
	assert.Equal(t, `{"actions":[],"impact":{"notes":"ok"}}`, decisions[0].Decision)
	assert.Equal(t, "QualityAgent", decisions[1].Agent)
	assert.Equal(t, `{"actions":[]}`, decisions[1].Decision)

	content, err := decisions[0].Content()
	require.NoError(t, err)
	assert.Equal(t, "ok", content.Impact.Notes)
}

func TestUpdateMachineSendsPartialFields(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Put("/api/data/machines/3").
		JSON(map[string]any{"utilization": 55}).
		Reply(200).
		JSON(map[string]any{"id": 3, "name": "Lathe", "status": "running", "utilization": 55, "energy_usage": 2})

	util := 55.0
	m, err := newTestClient().UpdateMachine(context.Background(), 3, MachineFields{Utilization: &util})
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.ID)
	assert.Equal(t, 55.0, m.Utilization)
	assert.True(t, gock.IsDone())
}

func TestNon2xxIsTransportError(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Put("/api/data/machines/99").
		Reply(404).
		BodyString(`{"error":"not found"}`)

	status := StatusIdle
	_, err := newTestClient().UpdateMachine(context.Background(), 99, MachineFields{Status: &status})
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "update machine", te.Op)
	assert.Equal(t, http.StatusNotFound, te.StatusCode())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Body, "not found")
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Get("/api/data/orders").
		ReplyError(errors.New("connection refused"))

	_, err := newTestClient().Orders(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.StatusCode())
}

func TestRunAgentRejectsUnknownKey(t *testing.T) {
	_, err := New(testBase).RunAgent(context.Background(), AgentKey("finance"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAgent))
}

func TestRunAgentAndRunAll(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Post("/api/agents/run_all").
		Reply(200).
		JSON(map[string]any{
			"agents":  map[string]any{"energy_agent": map[string]any{"actions": []any{}}},
			"updates": []any{map[string]any{"machine_id": 2, "new_status": "maintenance", "new_utilization": 0}},
		})
	gock.New("http://twin.test").
		Post("/api/agents/energy").
		Reply(200).
		JSON(map[string]any{"actions": []any{}})

	c := newTestClient()
	all, err := c.RunAllAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, all.Updates, 1)
	assert.Equal(t, int64(2), all.Updates[0].MachineID)
	assert.Equal(t, StatusMaintenance, *all.Updates[0].Status)
	assert.Contains(t, all.Agents, "energy_agent")

	ack, err := c.RunAgent(context.Background(), AgentEnergy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actions":[]}`, string(ack))
}

func TestSuggestAndApply(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Post("/api/agents/suggest/EnergyAgent").
		Reply(200).
		JSON(map[string]any{"decision": map[string]any{"actions": []any{
			map[string]any{"action": "reduce_load", "machine_id": 3},
		}}})
	gock.New("http://twin.test").
		Post("/api/agents/apply_actions").
		JSON(map[string]any{"actions": []any{map[string]any{"action": "reduce_load", "machine_id": 3}}}).
		Reply(200).
		JSON(map[string]any{"updates": []any{
			map[string]any{"id": 3, "status": "idle"},
			map[string]any{"status": "running"},
		}})

	c := newTestClient()
	s, err := c.SuggestAgent(context.Background(), AgentEnergy.AgentName())
	require.NoError(t, err)
	require.Len(t, s.Decision.Actions, 1)
	assert.Equal(t, Action{Action: "reduce_load", MachineID: 3}, s.Decision.Actions[0])

	res, err := c.ApplyActions(context.Background(), s.Decision.Actions)
	require.NoError(t, err)
	require.Len(t, res.Updates, 1, "entries without an id are dropped")
	assert.Equal(t, StatusIdle, *res.Updates[0].Status)
	assert.Nil(t, res.Updates[0].Utilization)
	assert.True(t, gock.IsDone())
}

func TestCallsCarryDeadline(t *testing.T) {
	defer gock.Off()
	gock.New("http://twin.test").
		Get("/api/data/machines").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			deadline, ok := req.Context().Deadline()
			return ok && time.Until(deadline) <= time.Second, nil
		}).
		Reply(200).
		JSON([]any{})

	c := newTestClient()
	c.Timeout = time.Second
	_, err := c.Machines(context.Background())
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}
