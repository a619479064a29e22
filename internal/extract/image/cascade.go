// Package image extracts recipes from photographed pages: two OCR tiers gated
// by the quality engine, then a vision model fed one image at a time.
package image

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/extract/quality"
	"recipe-ingestion/internal/extract/structure"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/recipe"
	"recipe-ingestion/internal/telemetry"
)

// Diagnostic stages.
const (
	StageOCR        = "ocr"
	StageStructured = "structured"
	StageVisionItem = "vision_item"
	StageVision     = "vision"
)

// Recorder persists per-tier snapshots.
type Recorder interface {
	AppendIngestionDraft(ctx context.Context, d models.IngestionDraft) error
}

// Tier is one OCR pass.
type Tier struct {
	Number   int
	Provider string
	Timeout  time.Duration
}

// Options tune the cascade.
type Options struct {
	Tiers     []Tier
	Gate      quality.Thresholds
	Minimums  recipe.Minimums
	MaxImages int
	Language  string
}

// OptionsFromConfig reads tier, gate and minimum settings.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Tiers: []Tier{
			{Number: models.TierOCRFast, Provider: cfg.OCRTier1Provider, Timeout: cfg.OCRTier1Timeout},
			{Number: models.TierOCRAccurate, Provider: cfg.OCRTier2Provider, Timeout: cfg.OCRTier2Timeout},
		},
		Gate:      quality.ThresholdsFromConfig(cfg),
		Minimums:  recipe.Minimums{TitleLen: cfg.DraftMinTitle, Ingredients: cfg.DraftMinIngredients, Steps: cfg.DraftMinSteps},
		MaxImages: cfg.MaxImages,
		Language:  cfg.OCRLanguage,
	}
}

// Input is one image job.
type Input struct {
	JobID      string
	Attempt    int
	RequestID  string
	Refs       []models.ImageRef
	TitleHint  string
	Language   string
	Checkpoint extract.Checkpoint
}

// Cascade runs the image tiers for a job.
type Cascade struct {
	ocr        OCR
	structurer *structure.Structurer
	vision     *Vision
	recorder   Recorder
	opts       Options
	log        *zap.Logger
}

// NewCascade wires the tiers. A nil vision disables the vision tier.
func NewCascade(ocr OCR, s *structure.Structurer, v *Vision, rec Recorder, opts Options, log *zap.Logger) *Cascade {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 8
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	return &Cascade{ocr: ocr, structurer: s, vision: v, recorder: rec, opts: opts, log: log}
}

// Run returns the first tier result that passes the gate and structures into a
// draft meeting the minimums. Text from a rejected tier is discarded, never
// blended into the next one. When every tier fails the last tier's failure is returned.
func (c *Cascade) Run(ctx context.Context, in Input) (models.Result, error) {
	if len(in.Refs) == 0 || len(in.Refs) > c.opts.MaxImages {
		return models.Result{}, &extract.Failure{Code: models.ErrInvalidImages, Message: "between 1 and " + strconv.Itoa(c.opts.MaxImages) + " images are required", Permanent: true}
	}
	lang := in.Language
	if lang == "" {
		lang = c.opts.Language
	}

	var last *extract.Failure
	for _, tier := range c.opts.Tiers {
		if err := in.Checkpoint.Check(ctx); err != nil {
			return models.Result{}, err
		}
		res, f, err := c.ocrTier(ctx, in, tier, lang)
		if err != nil {
			return models.Result{}, err
		}
		if f == nil {
			return res, nil
		}
		last = f
	}

	if c.vision != nil {
		if err := in.Checkpoint.Check(ctx); err != nil {
			return models.Result{}, err
		}
		res, f, err := c.visionTier(ctx, in)
		if err != nil {
			return models.Result{}, err
		}
		if f == nil {
			return res, nil
		}
		last = f
	}
	if last == nil {
		last = extract.Fail(models.ErrOCRFailed, "no extraction tier is enabled")
	}
	return models.Result{}, last
}

// ocrTier returns a result, or the failure that made the tier escalate. The
// error return is reserved for cancellation.
func (c *Cascade) ocrTier(ctx context.Context, in Input, tier Tier, lang string) (models.Result, *extract.Failure, error) {
	name := models.TierName(tier.Number)
	log := c.log.With(zap.String("job_id", in.JobID), zap.String("tier", name))
	ctx, span := telemetry.StartSpan(ctx, "image."+name, attribute.Int("tier", tier.Number), attribute.Int("images", len(in.Refs)))
	started := time.Now()
	outcome := "error"
	var spanErr error
	defer func() {
		telemetry.ObserveTier(name, outcome, started)
		telemetry.EndSpan(span, spanErr)
	}()

	diag := models.TierDiagnostic{Tier: tier.Number, Provider: tier.Provider}
	completion, err := c.ocr.Recognize(ctx, OCRCall{
		JobID: in.JobID, Attempt: in.Attempt, RequestID: in.RequestID,
		Tier: tier.Number, Provider: tier.Provider, Language: lang,
		Refs: in.Refs, Timeout: tier.Timeout,
	})
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		return models.Result{}, nil, err
	}
	text, conf, cerr := combine(completion, err, len(in.Refs))
	if cerr != nil {
		spanErr = cerr
		diag.Status = "ocr_error"
		diag.Error = cerr.Error()
		diag.DurationMs = time.Since(started).Milliseconds()
		c.record(ctx, in.JobID, tier.Number, StageOCR, nil, diag)
		log.Warn("ocr tier failed", zap.Error(cerr))
		return models.Result{}, extract.Wrap(models.ErrOCRFailed, cerr, "%s produced no text", name), nil
	}

	report := c.opts.Gate.Evaluate(text, conf)
	diag.CharCount, diag.LineCount = report.CharCount, report.LineCount
	diag.MeanConfidence, diag.Score, diag.Accepted = conf, report.Score, report.Accepted
	decision := "accept"
	if !report.Accepted {
		decision = "escalate"
	}
	telemetry.GateDecisions.WithLabelValues(name, decision).Inc()
	log.Info("quality gate", zap.String("decision", decision), zap.Int("score", report.Score),
		zap.Int("chars", report.CharCount), zap.Int("lines", report.LineCount), zap.Bool("hard_fail", report.HardFail()))

	if !report.Accepted {
		outcome = "gate_rejected"
		diag.Status = outcome
		diag.DurationMs = time.Since(started).Milliseconds()
		c.record(ctx, in.JobID, tier.Number, StageOCR, nil, diag)
		return models.Result{}, extract.Fail(models.ErrOCRFailed, "%s text did not pass the quality gate (score %d)", name, report.Score), nil
	}

	if err := in.Checkpoint.Check(ctx); err != nil {
		return models.Result{}, nil, err
	}
	draft, err := c.structurer.FromText(ctx, text, in.TitleHint)
	if err != nil {
		if ctx.Err() != nil {
			return models.Result{}, nil, ctx.Err()
		}
		spanErr = err
		outcome = "structure_failed"
		diag.Status = outcome
		diag.Error = err.Error()
		diag.DurationMs = time.Since(started).Milliseconds()
		c.record(ctx, in.JobID, tier.Number, StageStructured, nil, diag)
		return models.Result{}, extract.AsFailure(err), nil
	}
	final := recipe.Finalize(draft)
	if verr := c.opts.Minimums.Check(final); verr != nil {
		outcome = "below_minimums"
		diag.Status = outcome
		diag.Error = verr.Error()
		diag.DurationMs = time.Since(started).Milliseconds()
		c.record(ctx, in.JobID, tier.Number, StageStructured, &final, diag)
		return models.Result{}, extract.Wrap(models.ErrParseFailed, verr, "%s draft is incomplete", name), nil
	}

	outcome = "accepted"
	diag.Status = outcome
	diag.DurationMs = time.Since(started).Milliseconds()
	c.record(ctx, in.JobID, tier.Number, StageStructured, &final, diag)
	var warnings []string
	if completion.Status == envelope.StatusPartial {
		warnings = append(warnings, "some images returned no text")
	}
	return models.Result{Draft: final, Strategy: name, Tier: tier.Number, UsedLLM: true, Warnings: warnings}, nil, nil
}

func (c *Cascade) visionTier(ctx context.Context, in Input) (models.Result, *extract.Failure, error) {
	name := models.TierName(models.TierVision)
	ctx, span := telemetry.StartSpan(ctx, "image."+name, attribute.Int("images", len(in.Refs)))
	started := time.Now()
	outcome := "error"
	var spanErr error
	defer func() {
		telemetry.ObserveTier(name, outcome, started)
		telemetry.EndSpan(span, spanErr)
	}()

	failedItems := 0
	draft, err := c.vision.Merge(ctx, in.Refs, in.TitleHint, in.Checkpoint, func(r ItemReport) {
		diag := models.TierDiagnostic{Tier: models.TierVision, Item: r.Item, Status: "ok", DurationMs: r.Duration.Milliseconds()}
		if r.Repaired {
			diag.Status = "repaired"
		}
		if r.Err != nil {
			failedItems++
			diag.Status = "failed"
			diag.Error = r.Err.Error()
		}
		c.record(ctx, in.JobID, models.TierVision, StageVisionItem, r.Draft, diag)
	})
	if err != nil {
		if errors.Is(err, extract.ErrCanceled) || ctx.Err() != nil {
			return models.Result{}, nil, err
		}
		spanErr = err
		return models.Result{}, extract.AsFailure(err), nil
	}

	diag := models.TierDiagnostic{Tier: models.TierVision, DurationMs: time.Since(started).Milliseconds()}
	if verr := c.opts.Minimums.Check(draft); verr != nil {
		outcome = "below_minimums"
		diag.Status, diag.Error = outcome, verr.Error()
		c.record(ctx, in.JobID, models.TierVision, StageVision, &draft, diag)
		return models.Result{}, extract.Wrap(models.ErrParseFailed, verr, "vision draft is incomplete"), nil
	}
	outcome = "accepted"
	diag.Status, diag.Accepted = outcome, true
	c.record(ctx, in.JobID, models.TierVision, StageVision, &draft, diag)
	var warnings []string
	if failedItems > 0 {
		warnings = append(warnings, strconv.Itoa(failedItems)+" image(s) could not be read")
	}
	return models.Result{Draft: draft, Strategy: name, Tier: models.TierVision, UsedLLM: true, Warnings: warnings}, nil, nil
}

func (c *Cascade) record(ctx context.Context, jobID string, tier int, stage string, d *recipe.Draft, diag models.TierDiagnostic) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.AppendIngestionDraft(context.WithoutCancel(ctx), models.IngestionDraft{
		JobID: jobID, Tier: tier, Stage: stage, Draft: d, Diagnostics: diag,
	}); err != nil {
		c.log.Warn("record ingestion draft", zap.String("job_id", jobID), zap.Error(err))
	}
}

// combine joins per-image text in index order with a blank line between images
// and averages the reported confidences. The completion must carry exactly one
// result per submitted image.
func combine(c envelope.OCRCompletion, err error, images int) (string, *float64, error) {
	if err != nil {
		return "", nil, err
	}
	if c.Status == envelope.StatusFailed {
		if c.Error != nil {
			return "", nil, errors.New(c.Error.Code + ": " + c.Error.Message)
		}
		return "", nil, errors.New("ocr request failed")
	}
	if len(c.Results) != images {
		return "", nil, fmt.Errorf("ocr returned %d results for %d images", len(c.Results), images)
	}
	seen := make([]bool, images)
	for _, r := range c.Results {
		if r.Index < 0 || r.Index >= images {
			return "", nil, fmt.Errorf("ocr result index %d out of range for %d images", r.Index, images)
		}
		if seen[r.Index] {
			return "", nil, fmt.Errorf("ocr returned index %d twice", r.Index)
		}
		seen[r.Index] = true
	}
	results := append([]envelope.OCRResult(nil), c.Results...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	var parts []string
	var confidences []*float64
	for _, r := range results {
		if r.Error != nil {
			continue
		}
		if t := strings.TrimSpace(r.OCRText); t != "" {
			parts = append(parts, t)
			confidences = append(confidences, r.Meta.Confidence)
		}
	}
	if len(parts) == 0 {
		return "", nil, errors.New("no image returned text")
	}
	return strings.Join(parts, "\n\n"), quality.MeanConfidence(confidences), nil
}
