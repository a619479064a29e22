package recipe

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Draft is the structured record produced by every extraction tier.
type Draft struct {
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Ingredients  []Ingredient `json:"ingredients"`
	Steps        []string     `json:"steps"`
	PrepMinutes  int          `json:"prep_time_minutes,omitempty"`
	CookMinutes  int          `json:"cook_time_minutes,omitempty"`
	TotalMinutes int          `json:"total_time_minutes,omitempty"`
	Servings     string       `json:"servings,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	SourceURL    string       `json:"source_url,omitempty"`
	ImageURL     string       `json:"image_url,omitempty"`
}

// Ingredient is one ingredient line split into its parts. Amount is the numeric
// reading of Quantity when it has one.
type Ingredient struct {
	Name     string           `json:"name"`
	Quantity string           `json:"quantity,omitempty"`
	Unit     string           `json:"unit,omitempty"`
	Notes    string           `json:"notes,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
}

// Minimums is the acceptance floor for a structured candidate.
type Minimums struct {
	TitleLen    int
	Ingredients int
	Steps       int
}

// DocumentMinimums accepts any non-empty recipe. Structured page data is trusted more than OCR text.
var DocumentMinimums = Minimums{TitleLen: 1, Ingredients: 1, Steps: 1}

// ValidationError lists every minimum a draft missed.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "draft below minimums: " + strings.Join(e.Problems, "; ")
}

// Check reports whether d satisfies the minimums.
func (m Minimums) Check(d Draft) error {
	var problems []string
	if title := strings.TrimSpace(d.Title); title == "" || len([]rune(title)) < m.TitleLen {
		problems = append(problems, fmt.Sprintf("title shorter than %d", m.TitleLen))
	}
	if n := countNonEmpty(ingredientNames(d.Ingredients)); n < m.Ingredients {
		problems = append(problems, fmt.Sprintf("%d ingredients, need %d", n, m.Ingredients))
	}
	if n := countNonEmpty(d.Steps); n < m.Steps {
		problems = append(problems, fmt.Sprintf("%d steps, need %d", n, m.Steps))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Dedupe removes exact duplicate entries from the list fields, keeping the first occurrence.
func Dedupe(d Draft) Draft {
	d.Ingredients = dedupeIngredients(d.Ingredients)
	d.Steps = dedupeStrings(d.Steps)
	d.Tags = dedupeStrings(d.Tags)
	return d
}

func dedupeIngredients(items []Ingredient) []Ingredient {
	seen := make(map[string]struct{}, len(items))
	out := make([]Ingredient, 0, len(items))
	for _, ing := range items {
		key := strings.Join([]string{
			strings.TrimSpace(ing.Name),
			strings.TrimSpace(ing.Quantity),
			strings.TrimSpace(ing.Unit),
			strings.TrimSpace(ing.Notes),
		}, "\x00")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ing)
	}
	return out
}

// Finalize trims every field, drops empty list entries and fills Amount from
// Quantity. Duplicate ingredients and tags are dropped, but a step only goes
// when it repeats the one before it: recipes legitimately say "Stir" twice.
func Finalize(d Draft) Draft {
	d.Title = CleanText(d.Title)
	d.Description = CleanText(d.Description)
	d.Servings = CleanText(d.Servings)

	ingredients := make([]Ingredient, 0, len(d.Ingredients))
	for _, ing := range d.Ingredients {
		ing.Name = CleanText(ing.Name)
		ing.Quantity = NormalizeFractions(CleanText(ing.Quantity))
		ing.Unit = CleanText(ing.Unit)
		ing.Notes = CleanText(ing.Notes)
		if ing.Name == "" {
			continue
		}
		if amount, ok := ParseQuantity(ing.Quantity); ok {
			ing.Amount = &amount
		} else {
			ing.Amount = nil
		}
		ingredients = append(ingredients, ing)
	}
	d.Ingredients = ingredients

	steps := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		if s = CleanText(s); s != "" && (len(steps) == 0 || steps[len(steps)-1] != s) {
			steps = append(steps, s)
		}
	}
	d.Steps = steps

	tags := make([]string, 0, len(d.Tags))
	for _, t := range d.Tags {
		if t = strings.ToLower(CleanText(t)); t != "" {
			tags = append(tags, t)
		}
	}
	d.Tags = dedupeStrings(tags)
	d.Ingredients = dedupeIngredients(d.Ingredients)
	return d
}

func dedupeStrings(items []string) []string {
	if items == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		key := strings.TrimSpace(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func ingredientNames(items []Ingredient) []string {
	out := make([]string, len(items))
	for i, ing := range items {
		out[i] = ing.Name
	}
	return out
}

func countNonEmpty(items []string) int {
	n := 0
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}
