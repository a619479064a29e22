// Package structure turns unstructured recipe text into a Draft with a language model.
package structure

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/llm"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/recipe"
)

// MaxInputChars caps the text sent to the model, in bytes. The cut never splits a rune.
const MaxInputChars = 12000

const textPrompt = `Convert the recipe text to JSON. Return ONLY JSON.

Schema: {"title":string,"description":string|null,"ingredients":[{"name":string,"quantity":string|null,"unit":string|null,"notes":string|null}],"steps":[string],"prep_time_minutes":int|null,"cook_time_minutes":int|null,"total_time_minutes":int|null,"servings":string|null,"tags":[string]}

Rules:
- Separate ingredients: 'salt and pepper' is 2 entries
- Extract units from names: '1 cup flour' is quantity '1', unit 'cup', name 'flour'
- Put preparation notes in 'notes'
- Use null for unknown values
- If the text is not a recipe, return {"error":"not_a_recipe"}`

// Structurer calls the text model.
type Structurer struct {
	llm     llm.Completer
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// New returns a Structurer. timeout bounds each call.
func New(c llm.Completer, model string, timeout time.Duration, log *zap.Logger) *Structurer {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Structurer{llm: c, model: model, timeout: timeout, log: log}
}

// FromText structures text. hint is an optional title supplied by the user.
// Errors are *extract.Failure with llm_timeout, llm_failed or parse_failed.
func (s *Structurer) FromText(ctx context.Context, text, hint string) (recipe.Draft, error) {
	text, _ = envelope.TruncateText(text, MaxInputChars)
	user := "RECIPE TEXT (verbatim):\n<<<START>>>\n" + text + "\n<<<END>>>"
	if hint = strings.TrimSpace(hint); hint != "" {
		user = "Title hint: " + hint + "\n" + user
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.llm.Complete(ctx, llm.Request{Model: s.model, System: textPrompt, User: user, JSON: true, MaxTokens: 1500})
	if err != nil {
		return recipe.Draft{}, ModelFailure(err)
	}
	draft, err := DecodeDraft(raw)
	if err != nil {
		s.log.Debug("structuring output rejected", zap.Error(err), zap.String("prefix", prefix(raw, 80)))
		if errors.Is(err, ErrNotRecipe) {
			return recipe.Draft{}, &extract.Failure{Code: models.ErrParseFailed, Message: "text does not contain a recipe", Permanent: true, Err: err}
		}
		return recipe.Draft{}, extract.Wrap(models.ErrLLMFailed, err, "structuring output was not a valid draft")
	}
	return draft, nil
}

// ModelFailure maps a Completer error to a Failure.
func ModelFailure(err error) *extract.Failure {
	if errors.Is(err, llm.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return extract.Wrap(models.ErrLLMTimeout, err, "model call timed out")
	}
	return extract.Wrap(models.ErrLLMFailed, err, "model call failed")
}

func prefix(s string, n int) string {
	out, _ := envelope.TruncateText(s, n)
	return out
}
