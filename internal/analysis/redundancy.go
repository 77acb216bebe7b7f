package analysis

// UpdateRedundancy is the task lifecycle transition function. Given the
// current required-answer count, the number of answers actually submitted and
// whether this pass reached consensus, it returns the next required count and
// state.
//
// The policy is a monotonic saturating counter:
//   - consensus (or nothing left to assess) closes the task; the required
//     count freezes where it is;
//   - without consensus, once the requested answers have arrived, ask for
//     exactly one more per pass while below the cap;
//   - at the cap the task closes regardless of agreement, frozen at however
//     many answers were actually received.
//
// The required count never decreases.
func UpdateRedundancy(nRequired, nSubmitted int, consensus bool, maxAnswers int) (int, TaskState) {
	if consensus {
		return nRequired, TaskCompleted
	}
	if nSubmitted < nRequired {
		// Still waiting on answers already requested.
		return nRequired, TaskOngoing
	}
	if nRequired >= maxAnswers {
		return max(nRequired, nSubmitted), TaskCompleted
	}
	return nRequired + 1, TaskOngoing
}
