package structure

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"recipe-ingestion/internal/llm"
	"recipe-ingestion/internal/recipe"
)

var (
	// ErrNotJSON means no JSON object could be recovered from the model output.
	ErrNotJSON = errors.New("model output is not a JSON object")
	// ErrNotRecipe means the model declared the input is not a recipe.
	ErrNotRecipe = errors.New("model reported no recipe")
)

// draftSchema is checked after key normalization, so it describes the canonical shape only.
const draftSchema = `{
  "type": "object",
  "required": ["title", "ingredients", "steps"],
  "properties": {
    "title": {"type": "string"},
    "description": {"type": ["string", "null"]},
    "ingredients": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "quantity": {"type": ["string", "null"]},
          "unit": {"type": ["string", "null"]},
          "notes": {"type": ["string", "null"]}
        }
      }
    },
    "steps": {"type": "array", "items": {"type": "string"}},
    "prep_time_minutes": {"type": ["integer", "null"], "minimum": 0},
    "cook_time_minutes": {"type": ["integer", "null"], "minimum": 0},
    "total_time_minutes": {"type": ["integer", "null"], "minimum": 0},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("draft.json", strings.NewReader(draftSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("draft.json")
	})
	return schema, schemaErr
}

// DecodeDraft turns raw model output into a Draft. It repairs fences and
// surrounding prose, accepts the common alternative key names, and validates
// the normalized object against the draft schema.
func DecodeDraft(raw string) (recipe.Draft, error) {
	cleaned, ok := llm.RepairJSON(raw)
	if !ok {
		return recipe.Draft{}, ErrNotJSON
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return recipe.Draft{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if inner, ok := obj["recipe"].(map[string]any); ok {
		obj = inner
	}
	if msg, ok := obj["error"].(string); ok && strings.TrimSpace(msg) != "" && strings.TrimSpace(msg) != "{" {
		return recipe.Draft{}, fmt.Errorf("%w: %s", ErrNotRecipe, msg)
	}

	norm := normalize(obj)
	s, err := compiledSchema()
	if err != nil {
		return recipe.Draft{}, fmt.Errorf("compile draft schema: %w", err)
	}
	if err := s.Validate(norm); err != nil {
		return recipe.Draft{}, fmt.Errorf("draft shape: %w", err)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return recipe.Draft{}, err
	}
	var d recipe.Draft
	if err := json.Unmarshal(b, &d); err != nil {
		return recipe.Draft{}, fmt.Errorf("decode draft: %w", err)
	}
	return d, nil
}

// normalize maps alternative model vocabularies onto the draft keys.
func normalize(obj map[string]any) map[string]any {
	out := map[string]any{}
	out["title"] = firstString(obj, "title", "name")
	if v, ok := obj["title"]; ok && v != nil {
		if _, isString := v.(string); !isString {
			// Passed through untouched so the schema rejects it.
			out["title"] = v
		}
	}
	if v, ok := obj["description"]; ok && v != nil {
		out["description"] = v
	}

	var ingredients []any
	for _, item := range asList(obj["ingredients"]) {
		switch v := item.(type) {
		case string:
			ing := recipe.ParseIngredientLine(v)
			ingredients = append(ingredients, map[string]any{"name": ing.Name, "quantity": ing.Quantity, "unit": ing.Unit, "notes": ing.Notes})
		case map[string]any:
			name := firstString(v, "name", "label", "item")
			qty := v["quantity"]
			if qty == nil {
				qty = v["quantity_display"]
			}
			ing := map[string]any{"name": name, "quantity": stringish(qty), "unit": v["unit"], "notes": v["notes"]}
			if ing["quantity"] == nil && name != "" {
				parsed := recipe.ParseIngredientLine(name)
				if parsed.Quantity != "" {
					ing["name"], ing["quantity"] = parsed.Name, parsed.Quantity
					if ing["unit"] == nil && parsed.Unit != "" {
						ing["unit"] = parsed.Unit
					}
				}
			}
			ingredients = append(ingredients, ing)
		default:
			ingredients = append(ingredients, item)
		}
	}
	if ingredients == nil {
		ingredients = []any{}
	}
	out["ingredients"] = ingredients

	stepsRaw := obj["steps"]
	if stepsRaw == nil {
		stepsRaw = obj["directions"]
	}
	if stepsRaw == nil {
		stepsRaw = obj["instructions"]
	}
	steps := []any{}
	for _, item := range asList(stepsRaw) {
		switch v := item.(type) {
		case map[string]any:
			if text := firstString(v, "text", "action", "description", "label"); text != "" {
				steps = append(steps, text)
			}
		default:
			steps = append(steps, item)
		}
	}
	out["steps"] = steps

	for key, alt := range map[string]string{
		"prep_time_minutes":  "prepTime",
		"cook_time_minutes":  "cookTime",
		"total_time_minutes": "totalTime",
	} {
		v, ok := obj[key]
		if !ok || v == nil {
			v = obj[alt]
		}
		if minutes, ok := toMinutes(v); ok {
			out[key] = minutes
		}
	}
	if s := recipe.ParseServings(fromNumber(obj["servings"])); s != "" {
		out["servings"] = s
	}
	if tags := asList(obj["tags"]); tags != nil {
		out["tags"] = tags
	}
	return out
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []any{t}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func stringish(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return t
	case json.Number:
		return t.String()
	case map[string]any:
		return stringish(t["value"])
	}
	return fmt.Sprint(v)
}

func fromNumber(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

func toMinutes(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil || f < 0 {
			return 0, false
		}
		return int(f), true
	case string:
		return recipe.ParseISODuration(t)
	}
	return 0, false
}
