package room

// Status classifies the resolver's decision for one incoming update.
type Status int

const (
	// StatusApplied means the update causally succeeded the stored state
	// (or the symbol was new) and its value was stored as-is.
	StatusApplied Status = iota
	// StatusStale means the stored state already reflects the update's
	// history; nothing changed and the stored variable is returned so the
	// writer can be corrected.
	StatusStale
	// StatusMerged means the update was concurrent with the stored state;
	// the tie-break picked a winner and the clocks were unioned.
	StatusMerged
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusStale:
		return "stale"
	default:
		return "merged"
	}
}

// Outcome is the resolver's verdict: the authoritative variable after
// resolution, and whether the incoming value survived.
type Outcome struct {
	Status   Status
	Won      bool // whether the incoming value is the stored one
	Variable Variable
}

// Resolve decides one incoming update against the stored variable for the
// same symbol (nil if the symbol is unseen). It is a pure function: the
// same pair of inputs always yields the same outcome, in either role order
// for the concurrent branch, which is what makes out-of-order delivery
// converge.
func Resolve(stored *Variable, upd Update) Outcome {
	if stored == nil {
		clock := upd.Clock.Clone()
		if clock[upd.Writer] < 1 {
			clock[upd.Writer] = 1
		}
		return Outcome{Status: StatusApplied, Won: true, Variable: upd.variable(clock)}
	}

	switch upd.Clock.Compare(stored.Clock) {
	case OrderAfter:
		clock := stored.Clock.Merge(upd.Clock)
		tickWriter(clock, stored.Clock, upd)
		return Outcome{Status: StatusApplied, Won: true, Variable: upd.variable(clock)}

	case OrderBefore, OrderEqual:
		// Stored history subsumes the update; returning it unchanged is
		// what corrects the stale writer.
		return Outcome{Status: StatusStale, Won: false, Variable: *stored}

	default: // concurrent
		clock := stored.Clock.Merge(upd.Clock)
		tickWriter(clock, stored.Clock, upd)
		cand := upd.variable(clock)
		if outranks(cand, *stored) {
			return Outcome{Status: StatusMerged, Won: true, Variable: cand}
		}
		kept := *stored
		kept.Clock = clock
		return Outcome{Status: StatusMerged, Won: false, Variable: kept}
	}
}

// Absorb merges an already-resolved variable from another replica into the
// stored state without ticking any writer. It is commutative and
// associative, so replicas that absorb the same set of resolved states in
// any order end up identical. The bool reports whether stored changed.
func Absorb(stored *Variable, remote Variable) (Variable, bool) {
	if stored == nil {
		return remote, true
	}
	switch remote.Clock.Compare(stored.Clock) {
	case OrderAfter:
		return remote, true
	case OrderBefore, OrderEqual:
		return *stored, false
	}
	clock := stored.Clock.Merge(remote.Clock)
	winner := *stored
	if outranks(remote, *stored) {
		winner = remote
	}
	winner.Clock = clock
	return winner, true
}

// tickWriter guarantees writer progress: the result clock's component for
// the acting writer is max(stored+1, submitted), so two updates from the
// same writer never compare as concurrent even if the client forgot to
// advance its own counter.
func tickWriter(clock, stored VectorClock, upd Update) {
	if next := stored[upd.Writer] + 1; clock[upd.Writer] < next {
		clock[upd.Writer] = next
	}
}

// outranks is the deterministic tie-break for concurrent writes:
// verified beats unverified, then higher source priority, then the
// lexicographically larger (writer, counter) pair. Every replica computes
// the same winner from the same pair.
func outranks(a, b Variable) bool {
	if a.Verified != b.Verified {
		return a.Verified
	}
	if pa, pb := a.Source.priority(), b.Source.priority(); pa != pb {
		return pa > pb
	}
	if a.UpdatedBy != b.UpdatedBy {
		return a.UpdatedBy > b.UpdatedBy
	}
	return a.Clock[a.UpdatedBy] > b.Clock[b.UpdatedBy]
}
