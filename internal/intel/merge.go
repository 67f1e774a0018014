package intel

import (
	"sort"

	"github.com/newsfleet/drover/internal/types"
)

// merge combines two intelligence states for the same domain. Counters
// take the max (not the sum, so re-delivered messages cannot inflate
// them), templates union with the strongest evidence per pattern, and
// fatal states resolve by severity. The operation is commutative and
// idempotent.
func merge(a, b types.IntelligenceState) types.IntelligenceState {
	out := copyState(a)
	if out.Domain == "" {
		out.Domain = b.Domain
	}

	for kind, n := range b.FailureCounts {
		if n > out.FailureCounts[kind] {
			out.FailureCounts[kind] = n
		}
	}
	if b.EconnresetCount > out.EconnresetCount {
		out.EconnresetCount = b.EconnresetCount
	}

	if b.PuppeteerRecommended && !out.PuppeteerRecommended {
		out.PuppeteerRecommended = true
		out.PuppeteerReason = b.PuppeteerReason
	}

	out.Fatal = mergeFatal(out.Fatal, b.Fatal)
	out.Templates = mergeTemplates(out.Templates, b.Templates)

	if b.LastUpdatedAt.After(out.LastUpdatedAt) {
		out.LastUpdatedAt = b.LastUpdatedAt
	}
	return out
}

func mergeFatal(a, b *types.FatalState) *types.FatalState {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		f := *b
		return &f
	case b == nil:
		return a
	}
	// More severe wins; on a tie the earlier detection is authoritative.
	if b.Reason.Severity() > a.Reason.Severity() {
		f := *b
		return &f
	}
	if b.Reason.Severity() == a.Reason.Severity() && b.DetectedAt.Before(a.DetectedAt) {
		f := *b
		return &f
	}
	return a
}

func mergeTemplates(a, b []types.Template) []types.Template {
	byPattern := make(map[string]types.Template, len(a)+len(b))
	for _, t := range a {
		byPattern[t.Pattern] = t
	}
	for _, t := range b {
		cur, ok := byPattern[t.Pattern]
		if !ok || t.Verified > cur.Verified {
			byPattern[t.Pattern] = t
		}
	}
	out := make([]types.Template, 0, len(byPattern))
	for _, t := range byPattern {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

func copyState(s types.IntelligenceState) types.IntelligenceState {
	out := s
	out.FailureCounts = make(map[string]int64, len(s.FailureCounts))
	for k, v := range s.FailureCounts {
		out.FailureCounts[k] = v
	}
	if s.Fatal != nil {
		f := *s.Fatal
		out.Fatal = &f
	}
	out.Templates = append([]types.Template(nil), s.Templates...)
	return out
}
