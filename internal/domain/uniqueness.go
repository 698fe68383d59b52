package domain

import (
	"errors"
	"slices"

	"github.com/bluetides-project/MP-Gadget/internal/mpi"
)

// ErrDuplicateID reports a particle ID held by more than one particle
// anywhere in the run. Continuing with colliding IDs would silently
// corrupt spawn lineage and merger bookkeeping.
var ErrDuplicateID = errors.New("domain: duplicate particle ID")

// CheckIDUniqueness verifies that every particle ID is unique across
// all ranks. Collective; every rank reports the same verdict.
func (d *Decomposer) CheckIDUniqueness() error {
	ids, localErr := d.store.LocalIDsSorted()

	all, _ := mpi.Allgatherv(d.comm, ids)
	slices.Sort(all)

	dup := false
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			dup = true
			break
		}
	}

	if mpi.LogicalOrAll(d.comm, dup || localErr != nil) {
		return ErrDuplicateID
	}
	return nil
}
