// Package document extracts recipes from web pages and client-extracted payloads.
package document

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/extract/structure"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/recipe"
	"recipe-ingestion/internal/telemetry"
	"recipe-ingestion/internal/web"
)

// Strategy identifiers carried through to models.Result.Strategy.
const (
	StrategyJSONLD    = "schema_org_json_ld"
	StrategyMicrodata = "microdata"
	StrategyHeuristic = "heuristic"
	StrategyLLM       = "llm_fallback"
)

// Payload limits for client-extracted submissions.
const (
	MaxJSONLDBlocks     = 10
	MaxJSONLDBlockBytes = 200000
	MaxHTMLSnippetBytes = 400000
)

// llmContentChars caps the cleaned page text handed to the fallback.
const llmContentChars = 6000

// Page is the input to every strategy.
type Page struct {
	SourceURL    string
	HTML         string
	JSONLDBlocks []string
	TitleHint    string

	once sync.Once
	root *html.Node
}

// FromFetch builds a Page from a fetched document.
func FromFetch(pg web.Page, hint string) *Page {
	return &Page{SourceURL: pg.URL, HTML: pg.HTML, TitleHint: hint}
}

// FromPayload builds a Page from a client-extracted payload.
func FromPayload(p models.ClientPayload, hint string) *Page {
	return &Page{SourceURL: p.SourceURL, HTML: p.HTMLSnippet, JSONLDBlocks: p.JSONLDBlocks, TitleHint: hint}
}

// tree is the shared parse. Strategies must not mutate it.
func (p *Page) tree() *html.Node {
	p.once.Do(func() {
		p.root = p.freshTree()
	})
	return p.root
}

// freshTree returns a private parse the caller may modify.
func (p *Page) freshTree() *html.Node {
	if p.HTML == "" {
		return nil
	}
	root, err := parseHTML(p.HTML)
	if err != nil {
		return nil
	}
	return root
}

// Strategy is one deterministic or model-backed extraction attempt. A nil draft
// with a nil error means the strategy found nothing.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, p *Page) (*recipe.Draft, error)
}

type llmStrategy struct {
	s *structure.Structurer
}

func (llmStrategy) Name() string { return StrategyLLM }

func (l llmStrategy) Extract(ctx context.Context, p *Page) (*recipe.Draft, error) {
	text := contentText(p)
	if text == "" {
		return nil, nil
	}
	if r := []rune(text); len(r) > llmContentChars {
		text = string(r[:llmContentChars])
	}
	d, err := l.s.FromText(ctx, text, p.TitleHint)
	if err != nil {
		return nil, err
	}
	if d.SourceURL == "" {
		d.SourceURL = p.SourceURL
	}
	return &d, nil
}

// Cascade runs strategies in a fixed order and keeps the first valid draft.
type Cascade struct {
	strategies []Strategy
	minimums   recipe.Minimums
	log        *zap.Logger
}

// NewCascade returns the standard order. A nil structurer disables the LLM fallback.
func NewCascade(s *structure.Structurer, log *zap.Logger) *Cascade {
	if log == nil {
		log = zap.NewNop()
	}
	strategies := []Strategy{jsonLDStrategy{}, microdataStrategy{}, heuristicStrategy{}}
	if s != nil {
		strategies = append(strategies, llmStrategy{s: s})
	}
	return &Cascade{strategies: strategies, minimums: recipe.DocumentMinimums, log: log}
}

// Strategies lists the enabled strategy identifiers in order.
func (c *Cascade) Strategies() []string {
	out := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.Name()
	}
	return out
}

// Run returns the first draft that survives Finalize and the minimums check.
// A strategy error does not stop the cascade; when every strategy is exhausted the
// last model failure is returned, or parse_failed when there was none.
func (c *Cascade) Run(ctx context.Context, p *Page) (models.Result, error) {
	var last *extract.Failure
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return models.Result{}, err
		}
		draft, outcome, err := c.attempt(ctx, s, p)
		if err != nil {
			var f *extract.Failure
			if errors.As(err, &f) {
				last = f
			}
			c.log.Info("strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if draft == nil {
			c.log.Debug("strategy produced no draft", zap.String("strategy", s.Name()), zap.String("outcome", outcome))
			continue
		}
		c.log.Info("strategy accepted", zap.String("strategy", s.Name()),
			zap.Int("ingredients", len(draft.Ingredients)), zap.Int("steps", len(draft.Steps)))
		return models.Result{Draft: *draft, Strategy: s.Name(), UsedLLM: s.Name() == StrategyLLM}, nil
	}
	if last != nil {
		return models.Result{}, last
	}
	return models.Result{}, &extract.Failure{Code: models.ErrParseFailed, Message: "no strategy found a recipe", Permanent: true}
}

func (c *Cascade) attempt(ctx context.Context, s Strategy, p *Page) (_ *recipe.Draft, outcome string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "document."+s.Name(), attribute.String("strategy", s.Name()))
	started := time.Now()
	defer func() {
		telemetry.ObserveTier(s.Name(), outcome, started)
		telemetry.EndSpan(span, err)
	}()

	d, err := s.Extract(ctx, p)
	if err != nil {
		return nil, "error", err
	}
	if d == nil {
		return nil, "empty", nil
	}
	final := recipe.Finalize(*d)
	if verr := c.minimums.Check(final); verr != nil {
		c.log.Debug("draft below minimums", zap.String("strategy", s.Name()), zap.Error(verr))
		return nil, "invalid", nil
	}
	return &final, "accepted", nil
}

// ValidatePayload enforces the size and shape limits on a client payload.
func ValidatePayload(p *models.ClientPayload) error {
	if p == nil {
		return extract.Fail(models.ErrInvalidPayload, "payload is required")
	}
	u, err := url.Parse(p.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return extract.Fail(models.ErrInvalidPayload, "source_url must be an http or https URL")
	}
	if len(p.JSONLDBlocks) > MaxJSONLDBlocks {
		return extract.Fail(models.ErrInvalidPayload, "at most %d jsonld_blocks allowed, got %d", MaxJSONLDBlocks, len(p.JSONLDBlocks))
	}
	for i, b := range p.JSONLDBlocks {
		if len(b) > MaxJSONLDBlockBytes {
			return extract.Fail(models.ErrInvalidPayload, "jsonld_blocks[%d] exceeds %d bytes", i, MaxJSONLDBlockBytes)
		}
	}
	if len(p.HTMLSnippet) > MaxHTMLSnippetBytes {
		return extract.Fail(models.ErrInvalidPayload, "html_snippet exceeds %d bytes", MaxHTMLSnippetBytes)
	}
	if len(p.JSONLDBlocks) == 0 && p.HTMLSnippet == "" {
		return extract.Fail(models.ErrInvalidPayload, "payload needs jsonld_blocks or html_snippet")
	}
	return nil
}
