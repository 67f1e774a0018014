// Package analyze classifies fetched pages, harvests on-domain links, learns
// URL template candidates, and emits hub signals.
package analyze

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/fetch"
	"github.com/newsfleet/drover/internal/fingerprint"
	"github.com/newsfleet/drover/internal/types"
)

// Analyzer runs structural analysis over fetched HTML bodies. The only
// mutable state is the near-duplicate index; everything else is derived per
// page.
type Analyzer struct {
	cfg    config.AnalyzerConfig
	logger *slog.Logger
	sem    chan struct{} // bounds concurrent parses to PoolSize

	mu       sync.Mutex
	dupIndex *fingerprint.Index
}

// New creates an Analyzer.
func New(cfg config.AnalyzerConfig, logger *slog.Logger) *Analyzer {
	pool := cfg.PoolSize
	if pool < 1 {
		pool = 1
	}
	return &Analyzer{
		cfg:      cfg,
		logger:   logger.With("component", "analyzer"),
		sem:      make(chan struct{}, pool),
		dupIndex: fingerprint.NewIndex(cfg.NearDupThreshold),
	}
}

// acquire takes a pool slot, honoring cancellation while queued.
func (a *Analyzer) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Analyze inspects one fetched page. knownTemplates are the patterns already
// promoted by intelligence; they gate article classification. A parse
// failure returns the page classified as other with the parse error wrapped,
// so the caller can still record the fetch.
func (a *Analyzer) Analyze(ctx context.Context, res *fetch.Result, knownTemplates []string) (*types.Analysis, error) {
	out := &types.Analysis{
		Classification: types.ClassOther,
		Links:          []types.Link{},
		Truncated:      res.Truncated,
	}

	if err := a.acquire(ctx); err != nil {
		return out, &types.AnalyzeError{URL: res.FinalURL, Err: err}
	}
	defer func() { <-a.sem }()

	root, err := html.Parse(bytes.NewReader(res.Body))
	if err != nil {
		return out, &types.AnalyzeError{URL: res.FinalURL, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return out, &types.AnalyzeError{URL: res.FinalURL, Err: err}
	}

	doc := goquery.NewDocumentFromNode(root)

	out.Title = extractTitle(root)
	out.CanonicalURL = extractCanonical(root)
	out.Language = extractLanguage(root)

	bodyText := documentText(doc)
	out.WordCount = countWords(bodyText)

	out.Fingerprint = fingerprint.Hash(bodyText)
	out.NearDuplicate = a.checkDuplicate(out.Fingerprint)

	links, navCount := a.extractLinks(doc, res.FinalURL)
	out.Links = links

	if err := ctx.Err(); err != nil {
		return out, &types.AnalyzeError{URL: res.FinalURL, Err: err}
	}

	navRatio := 0.0
	if len(links) > 0 {
		navRatio = float64(navCount) / float64(len(links))
	}

	path := urlPath(res.FinalURL)
	if pattern := DerivePattern(path); pattern != "" {
		out.Templates = append(out.Templates, pattern)
	}
	out.HubCandidates = a.hubCandidates(path)

	out.Classification = a.classify(len(bodyText), len(links), navRatio, path, knownTemplates)

	a.logger.Debug("page analyzed",
		"url", res.FinalURL,
		"class", string(out.Classification),
		"links", len(links),
		"nav_ratio", navRatio,
		"words", out.WordCount,
	)
	return out, nil
}

// classify applies the documented thresholds: hub before article, since a
// link-dense page with some body text is navigation first.
func (a *Analyzer) classify(textChars, linkCount int, navRatio float64, path string, knownTemplates []string) types.Classification {
	if linkCount > a.cfg.HubMinLinks && navRatio > a.cfg.NavRatioHub {
		return types.ClassHub
	}
	if textChars > a.cfg.ArticleMinChars &&
		navRatio < a.cfg.NavRatioHub &&
		matchesAnyTemplate(path, knownTemplates) {
		return types.ClassArticle
	}
	return types.ClassOther
}

func (a *Analyzer) checkDuplicate(sig uint64) bool {
	if sig == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	dup := a.dupIndex.IsNearDuplicate(sig)
	if !dup {
		a.dupIndex.Add(sig)
	}
	return dup
}

// extractTitle returns the first <title> text.
func extractTitle(root *html.Node) string {
	node := htmlquery.FindOne(root, "//title")
	if node == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(node))
}

// extractCanonical returns the canonical link href, if declared.
func extractCanonical(root *html.Node) string {
	node := htmlquery.FindOne(root, `//link[@rel="canonical"]`)
	if node == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.SelectAttr(node, "href"))
}

// extractLanguage returns the declared document language.
func extractLanguage(root *html.Node) string {
	if node := htmlquery.FindOne(root, "//html"); node != nil {
		if lang := htmlquery.SelectAttr(node, "lang"); lang != "" {
			return strings.ToLower(strings.TrimSpace(lang))
		}
	}
	if node := htmlquery.FindOne(root, `//meta[@http-equiv="content-language"]`); node != nil {
		return strings.ToLower(strings.TrimSpace(htmlquery.SelectAttr(node, "content")))
	}
	return ""
}

// documentText collects the visible text of the body, skipping script and
// style subtrees.
func documentText(doc *goquery.Document) string {
	body := doc.Find("body")
	if body.Length() == 0 {
		return strings.TrimSpace(doc.Text())
	}
	clone := body.Clone()
	clone.Find("script, style, noscript, template").Remove()
	return strings.TrimSpace(clone.Text())
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

func matchesAnyTemplate(path string, templates []string) bool {
	for _, t := range templates {
		if MatchesPattern(path, t) {
			return true
		}
	}
	return false
}
