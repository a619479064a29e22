package document

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"recipe-ingestion/internal/recipe"
)

type jsonLDStrategy struct{}

func (jsonLDStrategy) Name() string { return StrategyJSONLD }

// Extract reads schema.org Recipe objects from explicit JSON-LD blocks first,
// then from ld+json scripts embedded in the page.
func (jsonLDStrategy) Extract(_ context.Context, p *Page) (*recipe.Draft, error) {
	blocks := append([]string(nil), p.JSONLDBlocks...)
	if root := p.tree(); root != nil {
		blocks = append(blocks, jsonLDScripts(root)...)
	}
	for _, block := range blocks {
		var data any
		if err := json.Unmarshal([]byte(strings.TrimSpace(block)), &data); err != nil {
			continue
		}
		for _, obj := range recipeObjects(data) {
			if d := draftFromSchemaOrg(obj, p.SourceURL); d != nil {
				return d, nil
			}
		}
	}
	return nil, nil
}

func jsonLDScripts(root *html.Node) []string {
	var out []string
	for _, n := range findAll(root, isElement(atom.Script)) {
		if !strings.Contains(strings.ToLower(attr(n, "type")), "ld+json") {
			continue
		}
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// recipeObjects flattens top-level lists and @graph containers and keeps objects typed Recipe.
func recipeObjects(data any) []map[string]any {
	var candidates []any
	switch t := data.(type) {
	case []any:
		candidates = t
	case map[string]any:
		if graph, ok := t["@graph"].([]any); ok {
			candidates = append(candidates, graph...)
		}
		candidates = append(candidates, t)
	}
	var out []map[string]any
	for _, c := range candidates {
		obj, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if isRecipeType(obj["@type"]) {
			out = append(out, obj)
		}
	}
	return out
}

func isRecipeType(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, "recipe") || strings.HasSuffix(strings.ToLower(t), "/recipe")
	case []any:
		for _, item := range t {
			if isRecipeType(item) {
				return true
			}
		}
	}
	return false
}

func draftFromSchemaOrg(obj map[string]any, sourceURL string) *recipe.Draft {
	title := recipe.CleanText(stringValue(obj["name"]))
	var ingredients []recipe.Ingredient
	for _, line := range stringList(obj["recipeIngredient"]) {
		ingredients = append(ingredients, recipe.ParseIngredientLine(line))
	}
	if len(ingredients) == 0 {
		for _, line := range stringList(obj["ingredients"]) {
			ingredients = append(ingredients, recipe.ParseIngredientLine(line))
		}
	}
	steps := instructionText(obj["recipeInstructions"])
	if title == "" || len(ingredients) == 0 || len(steps) == 0 {
		return nil
	}
	d := &recipe.Draft{
		Title:       title,
		Description: recipe.CleanText(stringValue(obj["description"])),
		Ingredients: ingredients,
		Steps:       steps,
		Servings:    recipe.ParseServings(obj["recipeYield"]),
		SourceURL:   sourceURL,
		ImageURL:    imageValue(obj["image"]),
	}
	d.PrepMinutes, _ = recipe.ParseISODuration(stringValue(obj["prepTime"]))
	d.CookMinutes, _ = recipe.ParseISODuration(stringValue(obj["cookTime"]))
	d.TotalMinutes, _ = recipe.ParseISODuration(stringValue(obj["totalTime"]))
	if d.TotalMinutes == 0 {
		d.TotalMinutes = d.PrepMinutes + d.CookMinutes
	}
	if kw, ok := obj["keywords"].(string); ok {
		d.Tags = append(d.Tags, strings.Split(kw, ",")...)
	} else {
		d.Tags = append(d.Tags, stringList(obj["keywords"])...)
	}
	d.Tags = append(d.Tags, stringList(obj["recipeCategory"])...)
	d.Tags = append(d.Tags, stringList(obj["recipeCuisine"])...)
	return d
}

// instructionText flattens plain strings, HowToStep and HowToSection shapes.
func instructionText(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		for _, ln := range recipe.Lines(stripTags(t)) {
			if ln = recipe.CleanText(ln); ln != "" {
				out = append(out, ln)
			}
		}
	case []any:
		for _, item := range t {
			out = append(out, instructionText(item)...)
		}
	case map[string]any:
		if items, ok := t["itemListElement"]; ok {
			return instructionText(items)
		}
		text := stringValue(t["text"])
		if text == "" {
			text = stringValue(t["name"])
		}
		if text = recipe.CleanText(stripTags(text)); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	root, err := parseHTML(s)
	if err != nil {
		return s
	}
	return blockText(root)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s := stringValue(item); s != "" {
				return s
			}
		}
	case map[string]any:
		if s, ok := t["@value"].(string); ok {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if s := recipe.CleanText(t); s != "" {
			out = append(out, s)
		}
	case []any:
		for _, item := range t {
			out = append(out, stringList(item)...)
		}
	case map[string]any:
		if s := recipe.CleanText(stringValue(t["name"])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func imageValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s := imageValue(item); s != "" {
				return s
			}
		}
	case map[string]any:
		if s, ok := t["url"].(string); ok {
			return s
		}
		if s, ok := t["contentUrl"].(string); ok {
			return s
		}
	}
	return ""
}
