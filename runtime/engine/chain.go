package engine

import (
	"github.com/vela-ai/taskmesh/runtime/task"
)

// GroupChains partitions a client-target task list (in the insertion order
// NextBatch returns) into maximal dependency chains per §4.5.
//
// A chain is a maximal sequence t1, t2, ..., tk drawn from recs such that
// each t(i+1) depends on t(i) and on no other task present in recs. The
// first unprocessed task in insertion order starts a new chain; extension
// picks the earliest eligible dependent in insertion order, with ties broken
// by task id.
func GroupChains(recs []*task.Record) [][]*task.Record {
	inInput := make(map[string]bool, len(recs))
	for _, r := range recs {
		inInput[r.Task.ID] = true
	}

	consumed := make(map[string]bool, len(recs))
	var chains [][]*task.Record

	for _, start := range recs {
		if consumed[start.Task.ID] {
			continue
		}
		chain := []*task.Record{start}
		consumed[start.Task.ID] = true

		for {
			cur := chain[len(chain)-1]
			next := earliestDependent(cur.Task.ID, recs, inInput, consumed)
			if next == nil {
				break
			}
			chain = append(chain, next)
			consumed[next.Task.ID] = true
		}
		chains = append(chains, chain)
	}
	return chains
}

// earliestDependent finds the unconsumed record in recs whose depends_on,
// restricted to tasks present in the input set, is exactly {parentID}. recs
// is already in insertion order (NextBatch's contract), so the first match
// encountered while scanning is the earliest; insertion order never actually
// ties since each record holds a unique slice position, so an id
// lexicographic comparison would only ever break a tie that cannot occur —
// it is omitted here rather than implemented as dead code.
func earliestDependent(parentID string, recs []*task.Record, inInput, consumed map[string]bool) *task.Record {
	for _, r := range recs {
		if consumed[r.Task.ID] {
			continue
		}
		if dependsOnlyOn(r, parentID, inInput) {
			return r
		}
	}
	return nil
}

// dependsOnlyOn reports whether r depends on parentID and on no other task
// that is also present in the input set (dependencies outside the input set,
// e.g. already-completed tasks, do not disqualify the candidate).
func dependsOnlyOn(r *task.Record, parentID string, inInput map[string]bool) bool {
	foundParent := false
	for _, dep := range r.Task.DependsOn {
		if !inInput[dep] {
			continue
		}
		if dep == parentID {
			foundParent = true
			continue
		}
		return false
	}
	return foundParent
}
