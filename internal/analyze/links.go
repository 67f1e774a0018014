package analyze

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/newsfleet/drover/internal/types"
)

// navContainers are elements whose descendant anchors count as navigation.
var navContainers = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
}

// extractLinks enumerates same-origin anchors, normalizes them, and flags
// navigation-context links. Returns the surviving links and how many of them
// are nav links.
func (a *Analyzer) extractLinks(doc *goquery.Document, finalURL string) ([]types.Link, int) {
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, 0
	}

	seen := make(map[string]struct{})
	var links []types.Link
	navCount := 0

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || skipScheme(href) {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		abs.Host = strings.ToLower(abs.Host)

		// On-domain only; subdomain moves count as cross-origin here.
		if !strings.EqualFold(abs.Host, base.Host) {
			return
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}

		target := abs.String()
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}

		isNav := a.isNavLink(sel)
		if isNav {
			navCount++
		}
		links = append(links, types.Link{
			TargetURL: target,
			Text:      truncateText(strings.TrimSpace(sel.Text()), 200),
			IsNav:     isNav,
		})
	})

	return links, navCount
}

// isNavLink applies the navigation heuristics: the anchor sits inside a
// nav-like container, or inside an anchor-dense block.
func (a *Analyzer) isNavLink(sel *goquery.Selection) bool {
	for parent := sel.Parent(); parent.Length() > 0; parent = parent.Parent() {
		tag := goquery.NodeName(parent)
		if navContainers[tag] {
			return true
		}
		// Anchor-dense proximity: a nearby block holding many anchors.
		if tag == "ul" || tag == "ol" || tag == "div" {
			if parent.Find("a[href]").Length() > a.cfg.NavDenseAnchors {
				return true
			}
		}
		if tag == "body" || tag == "html" {
			break
		}
	}
	return false
}

func skipScheme(href string) bool {
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") ||
		strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "data:")
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
