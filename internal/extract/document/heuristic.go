package document

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"recipe-ingestion/internal/recipe"
)

var (
	ingredientLinePattern = regexp.MustCompile(`(?i)^\s*(?:[\d¼½¾⅓⅔⅛⅜⅝⅞]|a\s+(?:pinch|dash|handful)\b)|\b(?:cups?|tbsp|tsp|tablespoons?|teaspoons?|oz|ounces?|grams?|kg|ml|lbs?|pounds?|pinch|cloves?|cans?)\b`)
	stepHeadingPattern    = regexp.MustCompile(`(?i)direction|instruction|method|preparation|steps`)
	servingsPattern       = regexp.MustCompile(`(?i)\b(?:serves|servings|yield|makes)\s*:?\s*(\d+(?:\s*(?:-|to)\s*\d+)?)`)
)

type heuristicStrategy struct{}

func (heuristicStrategy) Name() string { return StrategyHeuristic }

// Extract finds the content container, the list that reads most like
// ingredients, and the steps under an instructions heading.
func (heuristicStrategy) Extract(_ context.Context, p *Page) (*recipe.Draft, error) {
	root := p.freshTree()
	if root == nil {
		return nil, nil
	}
	stripBoilerplate(root)
	main := mainNode(root)

	title := pageTitle(root)
	if title == "" {
		title = p.TitleHint
	}
	ingList := ingredientList(main)
	if ingList == nil {
		return nil, nil
	}
	var ingredients []recipe.Ingredient
	for _, line := range listItems(ingList) {
		ingredients = append(ingredients, recipe.ParseIngredientLine(line))
	}
	steps := stepLines(main, ingList)
	if title == "" || len(steps) == 0 {
		return nil, nil
	}

	d := &recipe.Draft{
		Title:       title,
		Ingredients: ingredients,
		Steps:       steps,
		SourceURL:   p.SourceURL,
	}
	if m := servingsPattern.FindStringSubmatch(textOf(main)); m != nil {
		d.Servings = m[1]
	}
	return d, nil
}

// ingredientList returns the list with the most ingredient-like items, provided
// at least max(2, half) of its items look like ingredients.
func ingredientList(main *html.Node) *html.Node {
	var best *html.Node
	bestMatches := 0
	for _, list := range findAll(main, isElement(atom.Ul, atom.Ol)) {
		items := listItems(list)
		if len(items) < 2 {
			continue
		}
		matches := 0
		for _, it := range items {
			if ingredientLinePattern.MatchString(it) {
				matches++
			}
		}
		need := len(items) / 2
		if need < 2 {
			need = 2
		}
		if matches >= need && matches > bestMatches {
			best, bestMatches = list, matches
		}
	}
	return best
}

func stepLines(main, ingList *html.Node) []string {
	for _, h := range findAll(main, isElement(atom.H2, atom.H3, atom.H4, atom.Strong)) {
		if !stepHeadingPattern.MatchString(textOf(h)) {
			continue
		}
		next := nextElementSibling(h)
		if next == nil {
			continue
		}
		if next.DataAtom == atom.Ol || next.DataAtom == atom.Ul {
			if steps := listItems(next); len(steps) > 0 {
				return steps
			}
		}
		if lines := recipe.Lines(blockText(next)); len(lines) > 0 {
			return lines
		}
	}
	for _, ol := range findAll(main, isElement(atom.Ol)) {
		if ol == ingList {
			continue
		}
		if steps := listItems(ol); len(steps) > 0 {
			return steps
		}
	}
	return nil
}

// contentText renders the cleaned main container as plain lines.
func contentText(p *Page) string {
	root := p.freshTree()
	if root == nil {
		return ""
	}
	stripBoilerplate(root)
	return strings.TrimSpace(blockText(mainNode(root)))
}
