package annotate

import "github.com/winnowml/winnow/internal/extraction"

// mergeAdditional folds a later pass into the accepted set. Everything
// already accepted stays; a candidate is added only when its aligned
// interval does not overlap any aligned accepted extraction. Earlier passes
// win conflicts, and unaligned candidates never survive a merge because
// without an interval there is nothing to deconflict against.
func mergeAdditional(accepted, candidates []extraction.Extraction) []extraction.Extraction {
	out := accepted
	for _, c := range candidates {
		if c.Interval == nil {
			continue
		}
		if overlapsAligned(out, *c.Interval) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func overlapsAligned(list []extraction.Extraction, iv extraction.CharInterval) bool {
	for _, e := range list {
		if e.Interval != nil && e.Interval.Overlaps(iv) {
			return true
		}
	}
	return false
}
