package document

import (
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"recipe-ingestion/internal/recipe"
)

type microdataStrategy struct{}

func (microdataStrategy) Name() string { return StrategyMicrodata }

// Extract reads itemprop attributes under an itemscope typed schema.org/Recipe.
func (microdataStrategy) Extract(_ context.Context, p *Page) (*recipe.Draft, error) {
	root := p.tree()
	if root == nil {
		return nil, nil
	}
	scope := findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasAttr(n, "itemscope") &&
			isRecipeType(attr(n, "itemtype"))
	})
	if scope == nil {
		return nil, nil
	}
	props := itemProps(scope)

	title := firstProp(props, "name")
	var ingredients []recipe.Ingredient
	for _, n := range append(props["recipeIngredient"], props["ingredients"]...) {
		if line := propValue(n); line != "" {
			ingredients = append(ingredients, recipe.ParseIngredientLine(line))
		}
	}
	var steps []string
	for _, n := range props["recipeInstructions"] {
		steps = append(steps, instructionNode(n)...)
	}
	if title == "" || len(ingredients) == 0 || len(steps) == 0 {
		return nil, nil
	}

	d := &recipe.Draft{
		Title:       title,
		Description: firstProp(props, "description"),
		Ingredients: ingredients,
		Steps:       steps,
		Servings:    recipe.ParseServings(firstProp(props, "recipeYield")),
		SourceURL:   p.SourceURL,
		ImageURL:    firstProp(props, "image"),
	}
	d.PrepMinutes, _ = recipe.ParseISODuration(firstProp(props, "prepTime"))
	d.CookMinutes, _ = recipe.ParseISODuration(firstProp(props, "cookTime"))
	d.TotalMinutes, _ = recipe.ParseISODuration(firstProp(props, "totalTime"))
	if d.TotalMinutes == 0 {
		d.TotalMinutes = d.PrepMinutes + d.CookMinutes
	}
	for _, key := range []string{"keywords", "recipeCategory", "recipeCuisine"} {
		for _, n := range props[key] {
			d.Tags = append(d.Tags, strings.Split(propValue(n), ",")...)
		}
	}
	return d, nil
}

// itemProps indexes itemprop elements of scope. Nested item scopes are kept as a
// single property node and not descended into.
func itemProps(scope *html.Node) map[string][]*html.Node {
	props := map[string][]*html.Node{}
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if names := attr(c, "itemprop"); names != "" {
				for _, name := range strings.Fields(names) {
					props[name] = append(props[name], c)
				}
			}
			if hasAttr(c, "itemscope") {
				continue
			}
			visit(c)
		}
	}
	visit(scope)
	return props
}

func firstProp(props map[string][]*html.Node, name string) string {
	for _, n := range props[name] {
		if v := propValue(n); v != "" {
			return v
		}
	}
	return ""
}

func propValue(n *html.Node) string {
	if v := attr(n, "content"); v != "" {
		return recipe.CleanText(v)
	}
	switch n.DataAtom {
	case atom.Img, atom.Source:
		return attr(n, "src")
	case atom.A, atom.Link:
		return attr(n, "href")
	case atom.Time:
		if v := attr(n, "datetime"); v != "" {
			return v
		}
	case atom.Meta:
		return ""
	}
	return textOf(n)
}

// instructionNode handles a HowToStep scope, a list of steps, or a block of text.
func instructionNode(n *html.Node) []string {
	if hasAttr(n, "itemscope") {
		inner := itemProps(n)
		if t := firstProp(inner, "text"); t != "" {
			return []string{t}
		}
		var out []string
		for _, step := range inner["itemListElement"] {
			out = append(out, instructionNode(step)...)
		}
		if len(out) > 0 {
			return out
		}
	}
	if n.DataAtom == atom.Ol || n.DataAtom == atom.Ul {
		return listItems(n)
	}
	if items := findAll(n, isElement(atom.Li)); len(items) > 0 {
		return listItems(n)
	}
	var out []string
	for _, ln := range recipe.Lines(blockText(n)) {
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
