package speed

import (
	"slices"
	"sort"

	"olhovivo2speeds/pkg/types"
)

// VehicleSequence is the time-ordered list of observations of one vehicle.
type VehicleSequence []types.Observation

// Sequence groups observations by vehicle id and orders each group by
// observation time. Ties keep their input order.
func Sequence(observations []types.Observation) map[string]VehicleSequence {
	sequences := make(map[string]VehicleSequence)
	for _, obs := range observations {
		sequences[obs.VehicleID] = append(sequences[obs.VehicleID], obs)
	}

	for id, seq := range sequences {
		sort.SliceStable(seq, func(i, j int) bool {
			return seq[i].ObservedAt.Before(seq[j].ObservedAt)
		})
		sequences[id] = seq
	}

	return sequences
}

// VehicleIDs returns the keys of sequences in ascending order, giving every
// downstream stage a deterministic iteration order.
func VehicleIDs(sequences map[string]VehicleSequence) []string {
	ids := make([]string, 0, len(sequences))
	for id := range sequences {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
