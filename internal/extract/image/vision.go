package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/extract/structure"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/recipe"
)

const visionPrompt = `You read photographed recipe pages one image at a time.
You receive the CURRENT DRAFT built from earlier images and exactly ONE new image.
Return the FULL replacement draft as JSON: keep everything from the current draft and add only what this image shows.
Never invent content that is not visible. Keep ingredient and step order as printed.

Schema: {"title":string,"description":string|null,"ingredients":[{"name":string,"quantity":string|null,"unit":string|null,"notes":string|null}],"steps":[string],"prep_time_minutes":int|null,"cook_time_minutes":int|null,"total_time_minutes":int|null,"servings":string|null,"tags":[string]}
Return ONLY JSON.`

const repairInstruction = `Your previous reply was not valid JSON for the schema. Reply again with ONLY the JSON object, no prose and no code fences.`

// Resolver turns a stored image reference into a URL the vision backend can fetch.
type Resolver interface {
	ImageURL(ctx context.Context, ref models.ImageRef) (string, error)
}

// ItemReport describes one vision item for diagnostics.
type ItemReport struct {
	Item     int
	Calls    int
	Repaired bool
	Draft    *recipe.Draft
	Duration time.Duration
	Err      error
}

// Vision merges per-image model calls into one draft held by the caller.
type Vision struct {
	runner      Runner
	resolver    Resolver
	model       string
	itemTimeout time.Duration
	log         *zap.Logger
}

// NewVision returns a merger. itemTimeout bounds every call, including the repair call.
func NewVision(r Runner, res Resolver, model string, itemTimeout time.Duration, log *zap.Logger) *Vision {
	if log == nil {
		log = zap.NewNop()
	}
	if itemTimeout <= 0 {
		itemTimeout = 3 * time.Minute
	}
	return &Vision{runner: r, resolver: res, model: model, itemTimeout: itemTimeout, log: log}
}

// Merge walks refs in order. Each call gets the current draft, one image and the
// is_final flag; a malformed reply is retried once with a repair instruction. A
// failed item leaves the draft as it was. report is called after every item.
func (v *Vision) Merge(ctx context.Context, refs []models.ImageRef, hint string, cp extract.Checkpoint, report func(ItemReport)) (recipe.Draft, error) {
	var current *recipe.Draft
	succeeded := 0
	var lastErr error
	for i, ref := range refs {
		if err := cp.Check(ctx); err != nil {
			return recipe.Draft{}, err
		}
		started := time.Now()
		d, calls, err := v.item(ctx, ref, current, i, len(refs), hint)
		r := ItemReport{Item: i, Calls: calls, Repaired: calls > 1 && err == nil, Duration: time.Since(started), Err: err}
		if err == nil {
			current = &d
			succeeded++
			r.Draft = &d
		} else {
			lastErr = err
			v.log.Warn("vision item failed", zap.Int("item", i), zap.Int("calls", calls), zap.Error(err))
		}
		if report != nil {
			report(r)
		}
	}
	if succeeded == 0 || current == nil {
		return recipe.Draft{}, extract.Wrap(models.ErrVisionFailed, lastErr, "no image could be read by the vision model")
	}
	return recipe.Dedupe(recipe.Finalize(*current)), nil
}

func (v *Vision) item(ctx context.Context, ref models.ImageRef, current *recipe.Draft, idx, total int, hint string) (recipe.Draft, int, error) {
	url, err := v.resolver.ImageURL(ctx, ref)
	if err != nil {
		return recipe.Draft{}, 0, fmt.Errorf("resolve image %d: %w", idx, err)
	}
	req := RunnerRequest{
		Model:     v.model,
		System:    visionPrompt,
		User:      itemPrompt(current, idx, total, hint),
		ImageURL:  url,
		MaxTokens: 2000,
	}

	calls := 0
	var lastErr error
	for calls < 2 {
		calls++
		raw, err := v.runner.Run(ctx, req, v.itemTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return recipe.Draft{}, calls, ctx.Err()
			}
			lastErr = err
			continue
		}
		d, err := structure.DecodeDraft(raw)
		if err == nil {
			return d, calls, nil
		}
		if errors.Is(err, structure.ErrNotRecipe) {
			return recipe.Draft{}, calls, err
		}
		lastErr = err
		req.User = itemPrompt(current, idx, total, hint) + "\n\n" + repairInstruction
	}
	return recipe.Draft{}, calls, lastErr
}

func itemPrompt(current *recipe.Draft, idx, total int, hint string) string {
	var b strings.Builder
	if hint = strings.TrimSpace(hint); hint != "" {
		fmt.Fprintf(&b, "Title hint: %s\n", hint)
	}
	fmt.Fprintf(&b, "Image %d of %d. is_final=%t\n", idx+1, total, idx == total-1)
	b.WriteString("CURRENT DRAFT:\n")
	if current == nil {
		b.WriteString("{}")
	} else {
		raw, _ := json.Marshal(current)
		b.Write(raw)
	}
	return b.String()
}
