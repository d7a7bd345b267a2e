package podmanager

import (
	"github.com/podfleet/fleet/internal/pod"
	"github.com/podfleet/fleet/internal/podtype"
)

// statePrecedence ranks states for dispatch eligibility: a Free pod is
// preferred over a Starting one (about to become free) over a Creating
// one, ahead of everything else.
func statePrecedence(s podtype.PodState) int {
	switch s {
	case podtype.Free:
		return 0
	case podtype.Starting:
		return 1
	case podtype.Creating:
		return 2
	default:
		return 3
	}
}

// betterDispatchCandidate reports whether a is a better dispatch target
// than b: not-already-working first, then state precedence (Free >
// Starting > Creating > other), then most recently updated.
func betterDispatchCandidate(a, b pod.Snapshot) bool {
	if a.IsWorking != b.IsWorking {
		return !a.IsWorking
	}
	pa, pb := statePrecedence(a.State), statePrecedence(b.State)
	if pa != pb {
		return pa < pb
	}
	return a.LatestUpdatedTime.After(b.LatestUpdatedTime)
}

// trimPrecedence ranks states for ceiling-trim eligibility: Stopped pods
// are reclaimed first, then Creating, then Starting, then the oldest
// update among whatever remains. Processing, Terminated, and working
// pods are never trim candidates and are filtered out before this is
// applied.
func trimPrecedence(s podtype.PodState) int {
	switch s {
	case podtype.Stopped:
		return 0
	case podtype.Creating:
		return 1
	case podtype.Starting:
		return 2
	default:
		return 3
	}
}

func betterTrimCandidate(a, b pod.Snapshot) bool {
	pa, pb := trimPrecedence(a.State), trimPrecedence(b.State)
	if pa != pb {
		return pa < pb
	}
	return a.LatestUpdatedTime.Before(b.LatestUpdatedTime)
}
