package structure

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/llm"
	"recipe-ingestion/internal/models"
)

type fakeCompleter struct {
	out   string
	err   error
	calls []llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.calls = append(f.calls, req)
	return f.out, f.err
}

func TestDecodeDraftNormalizesAlternativeKeys(t *testing.T) {
	raw := "```json\n" + `{"recipe":{"name":"Tomato Soup","ingredients":["2 cups tomatoes, chopped",{"label":"1 tsp salt"},{"name":"basil","quantity":{"value":3},"unit":"leaves"}],
"directions":[{"text":"Simmer"},"Blend"],"prepTime":"PT10M","cook_time_minutes":25,"servings":4,"tags":["Soup"]}}` + "\n```"

	d, err := DecodeDraft(raw)
	require.NoError(t, err)
	require.Equal(t, "Tomato Soup", d.Title)
	require.Len(t, d.Ingredients, 3)
	require.Equal(t, "tomatoes", d.Ingredients[0].Name)
	require.Equal(t, "2", d.Ingredients[0].Quantity)
	require.Equal(t, "salt", d.Ingredients[1].Name)
	require.Equal(t, "3", d.Ingredients[2].Quantity)
	require.Equal(t, []string{"Simmer", "Blend"}, d.Steps)
	require.Equal(t, 10, d.PrepMinutes)
	require.Equal(t, 25, d.CookMinutes)
	require.Equal(t, "4", d.Servings)
}

func TestDecodeDraftRejects(t *testing.T) {
	_, err := DecodeDraft("sorry, I cannot help")
	require.ErrorIs(t, err, ErrNotJSON)

	_, err = DecodeDraft(`{"error":"not_a_recipe"}`)
	require.ErrorIs(t, err, ErrNotRecipe)

	_, err = DecodeDraft(`{"title":12,"ingredients":[],"steps":[]}`)
	require.Error(t, err)

	_, err = DecodeDraft(`{"title":"x","ingredients":[],"steps":[3]}`)
	require.Error(t, err)

	_, err = DecodeDraft(`{"title":true,"name":"Soup","ingredients":[],"steps":["Boil"]}`)
	require.Error(t, err, "a named fallback must not hide a malformed title")

	_, err = DecodeDraft(`{"title":"x","ingredients":[],"steps":[{"text":"Boil"},false]}`)
	require.Error(t, err)
}

func TestFromTextCutsOnRuneBoundary(t *testing.T) {
	fake := &fakeCompleter{out: `{"title":"Crème brûlée","ingredients":[],"steps":["Bake"]}`}
	// Each "é" is two bytes, so the byte cap lands inside one.
	text := strings.Repeat("a", MaxInputChars-1) + strings.Repeat("é", 10)

	_, err := New(fake, "m", time.Second, nil).FromText(context.Background(), text, "")
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)
	user := fake.calls[0].User
	require.True(t, utf8.ValidString(user), "prompt must stay valid UTF-8")
	require.Contains(t, user, strings.Repeat("a", MaxInputChars-1)+"\n<<<END>>>")
}

func TestFromText(t *testing.T) {
	fake := &fakeCompleter{out: `{"title":"Rice","ingredients":[{"name":"rice","quantity":"1","unit":"cup"}],"steps":["Boil"]}`}
	s := New(fake, "text-model", time.Second, nil)

	d, err := s.FromText(context.Background(), "1 cup rice\nboil it", "Plain rice")
	require.NoError(t, err)
	require.Equal(t, "Rice", d.Title)
	require.Len(t, fake.calls, 1)
	require.Equal(t, "text-model", fake.calls[0].Model)
	require.True(t, fake.calls[0].JSON)
	require.Contains(t, fake.calls[0].User, "Title hint: Plain rice")
}

func TestFromTextFailures(t *testing.T) {
	cases := []struct {
		fake *fakeCompleter
		code models.ErrorCode
	}{
		{&fakeCompleter{err: llm.ErrTimeout}, models.ErrLLMTimeout},
		{&fakeCompleter{err: errors.New("boom")}, models.ErrLLMFailed},
		{&fakeCompleter{out: "garbage"}, models.ErrLLMFailed},
		{&fakeCompleter{out: `{"error":"not_a_recipe"}`}, models.ErrParseFailed},
	}
	for _, tc := range cases {
		_, err := New(tc.fake, "m", time.Second, nil).FromText(context.Background(), "text", "")
		var f *extract.Failure
		require.ErrorAs(t, err, &f)
		require.Equal(t, tc.code, f.Code)
	}
}
