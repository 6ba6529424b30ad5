package store

import twinsdk "factorytwin/sdk/go"

// MergeMachines applies patches in order to machines in place, matching by
// id. Fields absent from a patch and machines matched by no patch keep their
// values. The ids that matched nothing are returned; they are not errors.
//
// Field aliases are resolved when patches are decoded, so every event kind
// and every backend answer goes through this one function.
func MergeMachines(machines []twinsdk.Machine, patches []twinsdk.MachineUpdate) []int64 {
	if len(patches) == 0 {
		return nil
	}
	index := make(map[int64]int, len(machines))
	for i, m := range machines {
		index[m.ID] = i
	}
	var misses []int64
	for _, p := range patches {
		i, ok := index[p.MachineID]
		if !ok {
			misses = append(misses, p.MachineID)
			continue
		}
		applyPatch(&machines[i], p)
	}
	return misses
}

// Merge is MergeMachines on a copy; machines is left untouched.
func Merge(machines []twinsdk.Machine, patches []twinsdk.MachineUpdate) ([]twinsdk.Machine, []int64) {
	out := cloneMachines(machines)
	return out, MergeMachines(out, patches)
}

func applyPatch(m *twinsdk.Machine, p twinsdk.MachineUpdate) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Utilization != nil {
		m.Utilization = *p.Utilization
	}
	if p.EnergyUsage != nil {
		m.EnergyUsage = *p.EnergyUsage
	}
}

// dedupeMachines keeps one machine per id: a later duplicate replaces the
// earlier one in the earlier position.
func dedupeMachines(list []twinsdk.Machine) []twinsdk.Machine {
	out := make([]twinsdk.Machine, 0, len(list))
	index := make(map[int64]int, len(list))
	for _, m := range list {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func cloneMachines(in []twinsdk.Machine) []twinsdk.Machine {
	if in == nil {
		return nil
	}
	return append([]twinsdk.Machine(nil), in...)
}
