package recipe

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var unicodeFractions = map[rune]string{
	'¼': "1/4", '½': "1/2", '¾': "3/4",
	'⅓': "1/3", '⅔': "2/3",
	'⅕': "1/5", '⅖': "2/5", '⅗': "3/5", '⅘': "4/5",
	'⅙': "1/6", '⅚': "5/6",
	'⅛': "1/8", '⅜': "3/8", '⅝': "5/8", '⅞': "7/8",
}

var units = map[string]string{
	"cup": "cup", "cups": "cup", "c": "cup",
	"tablespoon": "tbsp", "tablespoons": "tbsp", "tbsp": "tbsp", "tbs": "tbsp", "tbl": "tbsp", "t": "tbsp",
	"teaspoon": "tsp", "teaspoons": "tsp", "tsp": "tsp",
	"ounce": "oz", "ounces": "oz", "oz": "oz",
	"pound": "lb", "pounds": "lb", "lb": "lb", "lbs": "lb",
	"gram": "g", "grams": "g", "g": "g",
	"kilogram": "kg", "kilograms": "kg", "kg": "kg",
	"milliliter": "ml", "milliliters": "ml", "ml": "ml",
	"liter": "l", "liters": "l", "litre": "l", "litres": "l", "l": "l",
	"pint": "pint", "pints": "pint",
	"quart": "quart", "quarts": "quart", "qt": "quart",
	"gallon": "gallon", "gallons": "gallon",
	"pinch": "pinch", "pinches": "pinch",
	"dash": "dash", "dashes": "dash",
	"clove": "clove", "cloves": "clove",
	"can": "can", "cans": "can",
	"package": "package", "packages": "package", "pkg": "package",
	"stick": "stick", "sticks": "stick",
	"slice": "slice", "slices": "slice",
	"bunch": "bunch", "bunches": "bunch",
	"sprig": "sprig", "sprigs": "sprig",
}

var (
	quantityPattern = regexp.MustCompile(`^((?:\d+\s+)?\d+/\d+|\d+(?:\.\d+)?(?:\s*(?:-|to)\s*\d+(?:\.\d+)?)?)\s*`)
	parenPattern    = regexp.MustCompile(`\(([^)]*)\)`)
)

// NormalizeFractions rewrites unicode vulgar fractions as ASCII, keeping a space
// between a whole number and its fraction.
func NormalizeFractions(s string) string {
	var b strings.Builder
	for _, r := range s {
		if frac, ok := unicodeFractions[r]; ok {
			if b.Len() > 0 {
				prev := b.String()[b.Len()-1]
				if prev >= '0' && prev <= '9' {
					b.WriteByte(' ')
				}
			}
			b.WriteString(frac)
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	return strings.Replace(out, "⁄", "/", -1)
}

// ParseIngredientLine splits a free text line such as "1 1/2 cups flour, sifted"
// into quantity, unit, name and notes.
func ParseIngredientLine(line string) Ingredient {
	text := CleanText(NormalizeFractions(strings.TrimLeft(line, "-*•·▢ \t")))
	if text == "" {
		return Ingredient{}
	}
	var ing Ingredient

	if m := quantityPattern.FindStringSubmatch(text); m != nil {
		ing.Quantity = strings.TrimSpace(m[1])
		text = strings.TrimSpace(text[len(m[0]):])
	}

	if fields := strings.Fields(text); len(fields) > 1 {
		word := strings.ToLower(strings.TrimRight(fields[0], ".,"))
		if unit, ok := units[word]; ok && ing.Quantity != "" {
			ing.Unit = unit
			text = strings.Join(fields[1:], " ")
		}
	}

	var notes []string
	if m := parenPattern.FindAllStringSubmatch(text, -1); m != nil {
		for _, group := range m {
			if n := strings.TrimSpace(group[1]); n != "" {
				notes = append(notes, n)
			}
		}
		text = CleanText(parenPattern.ReplaceAllString(text, ""))
	}
	if i := strings.Index(text, ","); i >= 0 {
		if n := strings.TrimSpace(text[i+1:]); n != "" {
			notes = append(notes, n)
		}
		text = strings.TrimSpace(text[:i])
	}
	ing.Name = strings.TrimPrefix(text, "of ")
	ing.Notes = strings.Join(notes, "; ")
	if amount, ok := ParseQuantity(ing.Quantity); ok {
		ing.Amount = &amount
	}
	return ing
}

// ParseQuantity reads "2", "1.5", "1/3", "1 1/2" and ranges like "2-3" (lower bound).
func ParseQuantity(q string) (decimal.Decimal, bool) {
	q = strings.TrimSpace(NormalizeFractions(q))
	if q == "" {
		return decimal.Zero, false
	}
	for _, sep := range []string{"-", " to "} {
		if i := strings.Index(q, sep); i > 0 {
			q = strings.TrimSpace(q[:i])
		}
	}
	total := decimal.Zero
	for _, part := range strings.Fields(q) {
		v, ok := parseSimple(part)
		if !ok {
			return decimal.Zero, false
		}
		total = total.Add(v)
	}
	return total, true
}

func parseSimple(s string) (decimal.Decimal, bool) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := decimal.NewFromString(num)
		if err != nil {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(den)
		if err != nil || d.IsZero() {
			return decimal.Zero, false
		}
		return n.DivRound(d, 3), true
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}
