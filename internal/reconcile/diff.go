package reconcile

import "sort"

// AccessDiff is the symmetric difference between the previously recorded and
// the newly resolved security access set for a key.
type AccessDiff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the sets were identical, in which case the update
// carries no security access change and re-running reconciliation on an
// unchanged key issues no outbound write.
func (d AccessDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffAccessSets computes the symmetric difference between previous and
// current as sets; duplicates and ordering in the inputs are irrelevant.
// Outputs are sorted for stable logging and tests.
func DiffAccessSets(previous, current []string) AccessDiff {
	prev := toSet(previous)
	curr := toSet(current)

	var diff AccessDiff
	for id := range curr {
		if _, ok := prev[id]; !ok {
			diff.Added = append(diff.Added, id)
		}
	}
	for id := range prev {
		if _, ok := curr[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
