package content

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseItems extracts items from a generation-service reply. It accepts a
// single object, an array, or an object wrapping an array under "items",
// "meals", "snacks" or "recipes", optionally inside a markdown code fence.
// Missing or non-numeric macros become zero; entries without a name are
// skipped. A reply yielding no usable item is ErrMalformedResponse.
func ParseItems(raw string) ([]Item, error) {
	doc, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("%w: not valid JSON: %s", ErrMalformedResponse, snippet(raw))
	}

	var entries []gjson.Result
	root := gjson.Parse(doc)
	switch {
	case root.IsArray():
		entries = root.Array()
	case root.IsObject():
		for _, key := range []string{"items", "meals", "snacks", "recipes"} {
			if list := root.Get(key); list.IsArray() {
				entries = list.Array()
				break
			}
		}
		if entries == nil {
			entries = []gjson.Result{root}
		}
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if !e.IsObject() {
			continue
		}
		it, ok := parseItem(e)
		if ok {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no usable items: %s", ErrMalformedResponse, snippet(raw))
	}
	return items, nil
}

func parseItem(e gjson.Result) (Item, bool) {
	name := strings.TrimSpace(firstString(e, "name", "title"))
	if name == "" {
		return Item{}, false
	}

	macros := Macros{
		Calories: number(e, "calories", "macros.calories", "nutrition.calories", "kcal"),
		Protein:  number(e, "protein", "macros.protein", "nutrition.protein"),
		Carbs:    number(e, "carbs", "macros.carbs", "nutrition.carbs", "carbohydrates"),
		Fat:      number(e, "fat", "macros.fat", "nutrition.fat"),
	}.Sanitize()

	it := Item{
		Name:         name,
		Macros:       macros,
		Ingredients:  stringList(e.Get("ingredients")),
		Instructions: stringList(e.Get("instructions")),
	}
	if t, err := ParseType(e.Get("type").String()); err == nil {
		it.Type = t
	}
	return it, true
}

func extractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	if gjson.Valid(s) {
		return s, true
	}

	// Tolerate prose around the document.
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start < 0 || end <= start {
		return "", false
	}
	s = s[start : end+1]
	return s, gjson.Valid(s)
}

func firstString(e gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := e.Get(p); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func number(e gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		v := e.Get(p)
		switch v.Type {
		case gjson.Number:
			return v.Float()
		case gjson.String:
			if f, ok := leadingNumber(v.String()); ok {
				return f
			}
		}
	}
	return 0
}

// leadingNumber reads values such as "12.5g" or "350 kcal".
func leadingNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func stringList(v gjson.Result) []string {
	out := []string{}
	switch {
	case v.IsArray():
		for _, el := range v.Array() {
			var s string
			if el.IsObject() {
				s = strings.TrimSpace(strings.Join(strings.Fields(
					el.Get("quantity").String()+" "+el.Get("unit").String()+" "+firstString(el, "name", "item", "text")), " "))
			} else {
				s = strings.TrimSpace(el.String())
			}
			if s != "" {
				out = append(out, s)
			}
		}
	case v.Type == gjson.String:
		for _, line := range strings.Split(v.String(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
