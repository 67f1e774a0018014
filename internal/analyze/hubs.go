package analyze

import (
	"strings"

	"github.com/newsfleet/drover/internal/types"
)

// hubCandidates emits place/topic hub signals for paths shaped like a
// configured section followed by a slug, e.g. /world/europe.
func (a *Analyzer) hubCandidates(path string) []types.HubCandidate {
	trimmed := strings.TrimSuffix(path, "/")
	var out []types.HubCandidate

	for _, section := range a.cfg.HubSections {
		rest, ok := strings.CutPrefix(trimmed, section+"/")
		if !ok {
			continue
		}
		// Only single-segment slugs qualify as section hubs.
		slug, _, deeper := strings.Cut(rest, "/")
		if deeper || slug == "" {
			continue
		}
		slug = strings.ToLower(slug)

		cand := types.HubCandidate{
			Section:    section,
			Slug:       slug,
			Confidence: types.HubProbable,
		}
		switch {
		case contains(a.cfg.PlaceDictionary, slug):
			cand.Kind = types.HubPlace
			cand.Confidence = types.HubConfirmed
		case contains(a.cfg.TopicDictionary, slug):
			cand.Kind = types.HubTopic
			cand.Confidence = types.HubConfirmed
		case section == "/world" || section == "/local":
			cand.Kind = types.HubPlace
		default:
			cand.Kind = types.HubTopic
		}
		out = append(out, cand)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
