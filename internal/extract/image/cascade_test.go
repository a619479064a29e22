package image

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/extract/quality"
	"recipe-ingestion/internal/extract/structure"
	"recipe-ingestion/internal/llm"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/recipe"
	"recipe-ingestion/internal/store"
)

const recipeCard = `Grandma's Buttermilk Pancakes
Serves 4 hungry people on a slow weekend morning
Ingredients
2 cups all purpose flour
2 tablespoons granulated sugar
1 teaspoon baking powder
1/2 teaspoon baking soda
1/2 teaspoon fine salt
2 cups cold buttermilk
2 large eggs, lightly beaten
3 tablespoons melted butter
Directions
1. Whisk the flour, sugar, baking powder, soda and salt together in a large bowl.
2. In another bowl whisk the buttermilk, eggs and melted butter until smooth.
3. Pour the wet mixture into the dry ingredients and stir gently until just combined.
4. Heat a lightly oiled griddle over medium heat and pour a quarter cup of batter per pancake.
5. Cook until bubbles form on the surface, then flip and cook until golden brown.
`

const pancakeJSON = `{"title":"Buttermilk Pancakes","ingredients":["2 cups flour","2 tbsp sugar","2 cups buttermilk"],"steps":["Whisk dry","Whisk wet","Cook"]}`

type fakeOCR struct {
	byTier map[int]envelope.OCRCompletion
	calls  []OCRCall
}

func (f *fakeOCR) Recognize(_ context.Context, call OCRCall) (envelope.OCRCompletion, error) {
	f.calls = append(f.calls, call)
	c, ok := f.byTier[call.Tier]
	if !ok {
		return envelope.OCRCompletion{}, ErrOCRTimeout
	}
	return c, nil
}

func textCompletion(texts ...string) envelope.OCRCompletion {
	conf := 85.0
	c := envelope.OCRCompletion{Status: envelope.StatusSuccess}
	for i, t := range texts {
		c.Results = append(c.Results, envelope.OCRResult{Index: i, OCRText: t, Meta: envelope.OCRMeta{Confidence: &conf, CharCount: len(t)}})
	}
	return c
}

type fakeCompleter struct {
	out   string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(context.Context, llm.Request) (string, error) {
	f.calls++
	return f.out, f.err
}

type fakeRunner struct {
	outs []string
	errs []error
	reqs []RunnerRequest
}

func (f *fakeRunner) Run(_ context.Context, req RunnerRequest, _ time.Duration) (string, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.outs) {
		return f.outs[i], err
	}
	return "", err
}

type staticResolver struct{}

func (staticResolver) ImageURL(_ context.Context, ref models.ImageRef) (string, error) {
	return "https://img.test/" + ref.Value, nil
}

func testOptions() Options {
	return Options{
		Tiers: []Tier{
			{Number: models.TierOCRFast, Provider: "fast", Timeout: time.Second},
			{Number: models.TierOCRAccurate, Provider: "accurate", Timeout: time.Second},
		},
		Gate:     quality.DefaultThresholds,
		Minimums: recipe.Minimums{TitleLen: 3, Ingredients: 3, Steps: 2},
	}
}

func newJob(t *testing.T, st *store.Memory, n int) (models.Job, []models.ImageRef) {
	t.Helper()
	refs := make([]models.ImageRef, n)
	for i := range refs {
		refs[i] = models.ImageRef{Kind: "s3", Value: "bucket/img" + string(rune('a'+i)), Index: i}
	}
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{UserID: "u1", Type: models.JobTypeImage, Source: models.Source{Images: refs}})
	require.NoError(t, err)
	return job, refs
}

func TestShortTierOneTextEscalatesWithoutStructuring(t *testing.T) {
	st := store.NewMemory()
	job, refs := newJob(t, st, 1)
	ocr := &fakeOCR{byTier: map[int]envelope.OCRCompletion{
		models.TierOCRFast:     textCompletion("Pancakes\n2 cups flour"),
		models.TierOCRAccurate: textCompletion(recipeCard),
	}}
	llmFake := &fakeCompleter{out: pancakeJSON}

	c := NewCascade(ocr, structure.New(llmFake, "m", time.Second, nil), nil, st, testOptions(), nil)
	res, err := c.Run(context.Background(), Input{JobID: job.ID, Attempt: 1, Refs: refs})
	require.NoError(t, err)
	require.Equal(t, models.TierOCRAccurate, res.Tier)
	require.Equal(t, "ocr_tier2", res.Strategy)
	require.Equal(t, 1, llmFake.calls)
	require.Len(t, ocr.calls, 2)

	drafts, err := st.ListIngestionDrafts(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	first := drafts[0].Diagnostics
	require.Equal(t, models.TierOCRFast, first.Tier)
	require.Equal(t, "gate_rejected", first.Status)
	require.Less(t, first.CharCount, quality.DefaultThresholds.MinChars)
	require.Nil(t, drafts[0].Draft)
	require.Equal(t, StageStructured, drafts[1].Stage)
	require.True(t, drafts[1].Diagnostics.Accepted)
}

func TestTierOneAcceptedSkipsLaterTiers(t *testing.T) {
	st := store.NewMemory()
	job, refs := newJob(t, st, 2)
	half := strings.SplitN(recipeCard, "Directions", 2)
	ocr := &fakeOCR{byTier: map[int]envelope.OCRCompletion{
		models.TierOCRFast: textCompletion(half[0], "Directions"+half[1]),
	}}
	runner := &fakeRunner{}
	v := NewVision(runner, staticResolver{}, "vision", time.Second, nil)

	c := NewCascade(ocr, structure.New(&fakeCompleter{out: pancakeJSON}, "m", time.Second, nil), v, st, testOptions(), nil)
	res, err := c.Run(context.Background(), Input{JobID: job.ID, Refs: refs})
	require.NoError(t, err)
	require.Equal(t, models.TierOCRFast, res.Tier)
	require.Len(t, ocr.calls, 1)
	require.Empty(t, runner.reqs)
}

func TestDraftBelowMinimumsEscalates(t *testing.T) {
	st := store.NewMemory()
	job, refs := newJob(t, st, 1)
	ocr := &fakeOCR{byTier: map[int]envelope.OCRCompletion{
		models.TierOCRFast:     textCompletion(recipeCard),
		models.TierOCRAccurate: textCompletion(recipeCard),
	}}
	thin := &fakeCompleter{out: `{"title":"Pancakes","ingredients":["flour"],"steps":["Cook"]}`}
	c := NewCascade(ocr, structure.New(thin, "m", time.Second, nil), nil, st, testOptions(), nil)

	_, err := c.Run(context.Background(), Input{JobID: job.ID, Refs: refs})
	f := extract.AsFailure(err)
	require.Equal(t, models.ErrParseFailed, f.Code)
	require.Equal(t, 2, thin.calls)
}

func TestVisionRepairsOnce(t *testing.T) {
	st := store.NewMemory()
	job, refs := newJob(t, st, 1)
	runner := &fakeRunner{outs: []string{"Sure! Here is the recipe: title Pancakes", pancakeJSON}}
	v := NewVision(runner, staticResolver{}, "vision", time.Second, nil)
	c := NewCascade(&fakeOCR{}, structure.New(&fakeCompleter{}, "m", time.Second, nil), v, st, testOptions(), nil)

	res, err := c.Run(context.Background(), Input{JobID: job.ID, Refs: refs, TitleHint: "Sunday pancakes"})
	require.NoError(t, err)
	require.Equal(t, models.TierVision, res.Tier)
	require.Equal(t, "vision", res.Strategy)
	require.Len(t, runner.reqs, 2)
	require.Contains(t, runner.reqs[1].User, repairInstruction)
	require.Contains(t, runner.reqs[0].User, "Title hint: Sunday pancakes")
	require.Contains(t, runner.reqs[0].User, "is_final=true")
	require.Equal(t, "https://img.test/bucket/imga", runner.reqs[0].ImageURL)

	drafts, _ := st.ListIngestionDrafts(context.Background(), job.ID)
	var stages []string
	for _, d := range drafts {
		stages = append(stages, d.Stage+":"+d.Diagnostics.Status)
	}
	require.Contains(t, stages, StageVisionItem+":repaired")
}

func TestVisionSecondMalformedReplyFailsJob(t *testing.T) {
	st := store.NewMemory()
	job, refs := newJob(t, st, 1)
	runner := &fakeRunner{outs: []string{"not json", "{still not json"}}
	v := NewVision(runner, staticResolver{}, "vision", time.Second, nil)
	c := NewCascade(&fakeOCR{}, structure.New(&fakeCompleter{}, "m", time.Second, nil), v, st, testOptions(), nil)

	_, err := c.Run(context.Background(), Input{JobID: job.ID, Refs: refs})
	f := extract.AsFailure(err)
	require.Equal(t, models.ErrVisionFailed, f.Code)
	require.Len(t, runner.reqs, 2)
}

func TestVisionMergesItemsAndDedupes(t *testing.T) {
	_, refs := newJob(t, store.NewMemory(), 2)
	first := `{"title":"Pancakes","ingredients":["2 cups flour","2 tbsp sugar"],"steps":["Whisk dry"]}`
	second := `{"title":"Pancakes","ingredients":["2 cups flour","2 tbsp sugar","2 cups buttermilk"],"steps":["Whisk dry","Whisk dry","Cook"]}`
	runner := &fakeRunner{outs: []string{first, second}}
	v := NewVision(runner, staticResolver{}, "vision", time.Second, nil)

	d, err := v.Merge(context.Background(), refs, "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Whisk dry", "Cook"}, d.Steps)
	require.Len(t, d.Ingredients, 3)
	require.Contains(t, runner.reqs[0].User, "is_final=false")
	require.Contains(t, runner.reqs[0].User, "CURRENT DRAFT:\n{}")
	require.Contains(t, runner.reqs[1].User, "is_final=true")
	require.Contains(t, runner.reqs[1].User, `"title":"Pancakes"`)
}

func TestVisionFailedItemKeepsDraft(t *testing.T) {
	_, refs := newJob(t, store.NewMemory(), 2)
	runner := &fakeRunner{
		outs: []string{pancakeJSON},
		errs: []error{nil, ErrRunnerTimeout, ErrRunnerTimeout},
	}
	v := NewVision(runner, staticResolver{}, "vision", time.Second, nil)

	var reports []ItemReport
	d, err := v.Merge(context.Background(), refs, "", nil, func(r ItemReport) { reports = append(reports, r) })
	require.NoError(t, err)
	require.Equal(t, "Buttermilk Pancakes", d.Title)
	require.Len(t, reports, 2)
	require.ErrorIs(t, reports[1].Err, ErrRunnerTimeout)
	require.Equal(t, 2, reports[1].Calls)
}

func TestCheckpointStopsCascade(t *testing.T) {
	st := store.NewMemory()
	job, refs := newJob(t, st, 1)
	ocr := &fakeOCR{byTier: map[int]envelope.OCRCompletion{
		models.TierOCRFast: textCompletion("too short"),
	}}
	calls := 0
	cp := func(context.Context) error {
		calls++
		if calls > 1 {
			return extract.ErrCanceled
		}
		return nil
	}
	c := NewCascade(ocr, structure.New(&fakeCompleter{}, "m", time.Second, nil), nil, st, testOptions(), nil)
	_, err := c.Run(context.Background(), Input{JobID: job.ID, Refs: refs, Checkpoint: cp})
	require.True(t, errors.Is(err, extract.ErrCanceled))
	require.Len(t, ocr.calls, 1)
}

func TestInvalidImageCount(t *testing.T) {
	c := NewCascade(&fakeOCR{}, nil, nil, nil, testOptions(), nil)
	_, err := c.Run(context.Background(), Input{JobID: "j"})
	require.Equal(t, models.ErrInvalidImages, extract.AsFailure(err).Code)

	_, err = c.Run(context.Background(), Input{JobID: "j", Refs: make([]models.ImageRef, 9)})
	require.Equal(t, models.ErrInvalidImages, extract.AsFailure(err).Code)
}

func TestCombineOrdersByIndexAndSkipsErrors(t *testing.T) {
	c := envelope.OCRCompletion{Status: envelope.StatusPartial, Results: []envelope.OCRResult{
		{Index: 1, OCRText: "second"},
		{Index: 2, Error: &envelope.ErrorInfo{Code: "blur", Message: "unreadable"}},
		{Index: 0, OCRText: "first"},
	}}
	text, conf, err := combine(c, nil, 3)
	require.NoError(t, err)
	require.Equal(t, "first\n\nsecond", text)
	require.Nil(t, conf)

	_, _, err = combine(envelope.OCRCompletion{Status: envelope.StatusFailed, Error: &envelope.ErrorInfo{Code: "x", Message: "y"}}, nil, 1)
	require.Error(t, err)
}

func TestCombineRejectsMismatchedResults(t *testing.T) {
	cases := map[string][]envelope.OCRResult{
		"extra results":   {{Index: 0, OCRText: "a"}, {Index: 0, OCRText: "b"}, {Index: 5, OCRText: "c"}},
		"repeated index":  {{Index: 0, OCRText: "a"}, {Index: 0, OCRText: "b"}},
		"index too large": {{Index: 0, OCRText: "a"}, {Index: 2, OCRText: "b"}},
		"negative index":  {{Index: -1, OCRText: "a"}, {Index: 1, OCRText: "b"}},
		"missing result":  {{Index: 0, OCRText: "a"}},
	}
	images := map[string]int{"extra results": 1}
	for name, results := range cases {
		n, ok := images[name]
		if !ok {
			n = 2
		}
		_, _, err := combine(envelope.OCRCompletion{Status: envelope.StatusSuccess, Results: results}, nil, n)
		require.Error(t, err, name)
	}
}
