// Package state holds the in-memory projections of committed entity state.
// Stores are mutated only by event appliers; everything else reads them
// through the Reader interfaces.
package state

import (
	"maps"
	"slices"
)

// State groups the stores of one partition.
type State struct {
	Keys           *KeyGenerator
	Authorizations *AuthorizationStore
	Identities     *IdentityStore
	UserTasks      *UserTaskStore
	Jobs           *JobStore
	Incidents      *IncidentStore
}

func New(partitionID int) *State {
	return &State{
		Keys:           NewKeyGenerator(partitionID),
		Authorizations: NewAuthorizationStore(),
		Identities:     NewIdentityStore(),
		UserTasks:      NewUserTaskStore(),
		Jobs:           NewJobStore(),
		Incidents:      NewIncidentStore(),
	}
}

const (
	partitionBits = 51
	counterMask   = int64(1)<<partitionBits - 1
)

// KeyGenerator hands out partition-scoped keys: the partition id in the high
// bits, a monotonic counter in the low 51 bits.
type KeyGenerator struct {
	partitionID int64
	counter     int64
}

func NewKeyGenerator(partitionID int) *KeyGenerator {
	return &KeyGenerator{partitionID: int64(partitionID)}
}

func (g *KeyGenerator) Next() int64 {
	g.counter++
	return g.partitionID<<partitionBits | g.counter
}

// Observe advances the counter past key when key belongs to this partition.
// Replay calls it for every applied event so restarted partitions never
// reissue a key.
func (g *KeyGenerator) Observe(key int64) {
	if key <= 0 || key>>partitionBits != g.partitionID {
		return
	}
	if c := key & counterMask; c > g.counter {
		g.counter = c
	}
}

// Current returns the last issued key, or 0 when none was issued.
func (g *KeyGenerator) Current() int64 {
	if g.counter == 0 {
		return 0
	}
	return g.partitionID<<partitionBits | g.counter
}

// PartitionOf extracts the partition id encoded in key.
func PartitionOf(key int64) int {
	return int(key >> partitionBits)
}

func sortedKeys[K int64 | string, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
