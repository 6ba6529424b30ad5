package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	twinsdk "factorytwin/sdk/go"
)

func sampleMachines() []twinsdk.Machine {
	return []twinsdk.Machine{
		{ID: 1, Name: "Press", Status: twinsdk.StatusIdle, Utilization: 10, EnergyUsage: 3.5},
		{ID: 2, Name: "Lathe", Status: twinsdk.StatusRunning, Utilization: 70, EnergyUsage: 8},
		{ID: 3, Name: "Oven", Status: twinsdk.StatusMaintenance, Utilization: 0, EnergyUsage: 1},
	}
}

func TestMergePatchesOnlyMatchedMachines(t *testing.T) {
	sequences := [][]twinsdk.MachineUpdate{
		{{MachineID: 1, Status: status(twinsdk.StatusRunning), Utilization: num(80)}},
		{{MachineID: 2, Utilization: num(5)}, {MachineID: 2, Status: status(twinsdk.StatusIdle)}},
		{{MachineID: 3, Status: status(twinsdk.StatusRunning)}, {MachineID: 1, Utilization: num(0)}},
	}
	for _, patches := range sequences {
		before := sampleMachines()
		after, misses := Merge(before, patches)
		assert.Empty(t, misses)
		assert.Equal(t, sampleMachines(), before, "input must not change")

		touched := map[int64]bool{}
		for _, p := range patches {
			touched[p.MachineID] = true
		}
		for i, m := range after {
			if !touched[m.ID] {
				assert.Equal(t, before[i], m)
				continue
			}
			want := before[i]
			for _, p := range patches {
				if p.MachineID == m.ID {
					applyPatch(&want, p)
				}
			}
			assert.Equal(t, want, m)
			assert.Equal(t, before[i].Name, m.Name)
			assert.Equal(t, before[i].EnergyUsage, m.EnergyUsage)
		}
	}
}

func TestMergeUnknownIDIsNoop(t *testing.T) {
	before := sampleMachines()
	after, misses := Merge(before, []twinsdk.MachineUpdate{{MachineID: 99, Status: status(twinsdk.StatusRunning)}})
	assert.Equal(t, before, after)
	assert.Equal(t, []int64{99}, misses)

	empty, misses := Merge(nil, []twinsdk.MachineUpdate{{MachineID: 1, Utilization: num(1)}})
	assert.Empty(t, empty)
	assert.Equal(t, []int64{1}, misses)
}

func TestMergeAliasSetsProduceSameState(t *testing.T) {
	stateUpdate, err := twinsdk.DecodeUpdates([]byte(`[{"machine_id":2,"new_status":"maintenance","new_utilization":0}]`))
	require.NoError(t, err)
	machineUpdate, err := twinsdk.DecodeUpdates([]byte(`{"id":2,"status":"maintenance","utilization":0}`))
	require.NoError(t, err)

	a, _ := Merge(sampleMachines(), stateUpdate)
	b, _ := Merge(sampleMachines(), machineUpdate)
	assert.Equal(t, a, b)
	assert.Equal(t, twinsdk.StatusMaintenance, machineByID(a, 2).Status)
}

func TestMergeNullFieldsKeepCurrentValues(t *testing.T) {
	patches, err := twinsdk.DecodeUpdates([]byte(`[{"machine_id":1,"new_status":null,"status":"running","new_utilization":null}]`))
	require.NoError(t, err)
	after, misses := Merge(sampleMachines(), patches)
	assert.Empty(t, misses)
	m := machineByID(after, 1)
	assert.Equal(t, twinsdk.StatusRunning, m.Status)
	assert.Equal(t, 10.0, m.Utilization)
	assert.Equal(t, 3.5, m.EnergyUsage)
}

func TestDedupeMachinesKeepsFirstPosition(t *testing.T) {
	got := dedupeMachines([]twinsdk.Machine{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}, {ID: 1, Name: "c"}})
	assert.Equal(t, []twinsdk.Machine{{ID: 1, Name: "c"}, {ID: 2, Name: "b"}}, got)
}
