package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorytwin/internal/domain"
	twinsdk "factorytwin/sdk/go"
)

func TestDecodeDecisionNormalizesPayload(t *testing.T) {
	asObject, err := Decode("decision", []byte(`{"agent_name":"EnergyAgent","decision":{"actions":[],"impact":{"notes":"ok"}},"created_at":"2025-03-01T10:00:00"}`))
	require.NoError(t, err)
	asString, err := Decode("decision", []byte(`{"agent":"EnergyAgent","decision":"{\"actions\": [], \"impact\": {\"notes\": \"ok\"}}","created_at":"2025-03-01T10:00:00Z"}`))
	require.NoError(t, err)

	require.NotNil(t, asObject.Decision)
	require.NotNil(t, asString.Decision)
	assert.Equal(t, "EnergyAgent", asObject.Decision.Agent)
	assert.Equal(t, asObject.Decision.Decision, asString.Decision.Decision)
	assert.True(t, asObject.Decision.CreatedAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestDecodePatchKinds(t *testing.T) {
	evt, err := Decode("state_update", []byte(`{"machine_id":3,"new_utilization":40}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindStateUpdate, evt.Kind)
	require.Len(t, evt.Patches, 1)
	assert.Equal(t, int64(3), evt.Patches[0].MachineID)
	assert.Equal(t, 40.0, *evt.Patches[0].Utilization)
	assert.Nil(t, evt.Patches[0].Status)

	evt, err = Decode("machine_update", []byte(`[{"id":1,"status":"maintenance"},{"status":"idle"}]`))
	require.NoError(t, err)
	require.Len(t, evt.Patches, 1)
	assert.Equal(t, twinsdk.StatusMaintenance, *evt.Patches[0].Status)
}

func TestDecodeUnknownKindKeepsRawData(t *testing.T) {
	evt, err := Decode("", []byte(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindMessage, evt.Kind)
	assert.JSONEq(t, `{"hello":"world"}`, string(evt.Data))

	evt, err = Decode("order_update", []byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventKind("order_update"), evt.Kind)
	assert.Equal(t, `[1,2]`, string(evt.Data))
}

func TestDecodeMalformedPayload(t *testing.T) {
	for kind, payload := range map[string]string{
		"decision":       `{"agent":`,
		"state_update":   `42`,
		"machine_update": `not json`,
	} {
		_, err := Decode(kind, []byte(payload))
		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr), kind)
		assert.Equal(t, domain.EventKind(kind), decErr.Kind)
	}
}
