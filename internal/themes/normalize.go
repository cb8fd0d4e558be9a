// Package themes turns untrusted theme proposals into the canonical shape
// persisted as theme groups.
package themes

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

const (
	MaxTitleWords       = 6
	FallbackDescription = "Related feedback the team raised during the retrospective."
)

// RawTheme is one proposed theme exactly as it was decoded.
type RawTheme map[string]any

// Theme is a normalized theme proposal. Every field is safe to persist.
type Theme struct {
	Title           string
	Description     string
	PrimaryCategory store.Category
	Contributors    []string
	ResponseIDs     []int64
}

var categoryVariants = map[string]store.Category{
	"liked":      store.CategoryLiked,
	"like":       store.CategoryLiked,
	"likes":      store.CategoryLiked,
	"learned":    store.CategoryLearned,
	"learnt":     store.CategoryLearned,
	"learn":      store.CategoryLearned,
	"lacked":     store.CategoryLacked,
	"lack":       store.CategoryLacked,
	"lacking":    store.CategoryLacked,
	"longedfor":  store.CategoryLongedFor,
	"longfor":    store.CategoryLongedFor,
	"longed":     store.CategoryLongedFor,
	"longing":    store.CategoryLongedFor,
	"longingfor": store.CategoryLongedFor,
}

// Normalize cleans a batch of proposals. Output order follows input order;
// proposals with an empty title and later case-insensitive duplicates are
// dropped.
func Normalize(raw []RawTheme) []Theme {
	out := make([]Theme, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, candidate := range raw {
		if candidate == nil {
			continue
		}
		category := NormalizeCategory(firstOf(candidate, "primary_category", "category"))
		title := NormalizeTitle(firstOf(candidate, "title", "name"))
		if title == "" {
			continue
		}
		key := strings.ToLower(title)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, Theme{
			Title:           title,
			Description:     NormalizeDescription(firstOf(candidate, "description", "summary")),
			PrimaryCategory: category,
			Contributors:    normalizeContributors(candidate["contributors"]),
			ResponseIDs:     normalizeResponseIDs(firstOf(candidate, "response_ids", "responseIds")),
		})
	}
	return out
}

func firstOf(raw RawTheme, keys ...string) any {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

// NormalizeCategory maps v onto one of the four categories, defaulting to
// liked.
func NormalizeCategory(v any) store.Category {
	value := strings.ToLower(strings.TrimSpace(asString(v)))
	if c := store.Category(value); c.Valid() {
		return c
	}
	compact := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return -1
	}, value)
	if c, ok := categoryVariants[compact]; ok {
		return c
	}
	return store.CategoryLiked
}

// ParseCategory is the strict variant used for human input.
func ParseCategory(value string) (store.Category, error) {
	c := store.Category(strings.ToLower(strings.TrimSpace(value)))
	if !c.Valid() {
		return "", apperr.Validation("category", "must be one of liked, learned, lacked, longed_for")
	}
	return c, nil
}

func isTitleEdge(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// NormalizeTitle trims punctuation from both ends and keeps at most
// MaxTitleWords words.
func NormalizeTitle(v any) string {
	title := strings.TrimFunc(asString(v), isTitleEdge)
	words := strings.Fields(title)
	if len(words) > MaxTitleWords {
		words = words[:MaxTitleWords]
	}
	return strings.TrimFunc(strings.Join(words, " "), isTitleEdge)
}

var sentenceEnd = regexp.MustCompile(`[.?!]+\s+`)

// NormalizeDescription keeps the first two sentences of v.
func NormalizeDescription(v any) string {
	text := strings.Join(strings.Fields(asString(v)), " ")
	if text == "" {
		return FallbackDescription
	}
	bounds := sentenceEnd.FindAllStringIndex(text, 2)
	if len(bounds) == 2 {
		text = text[:bounds[1][1]]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackDescription
	}
	return text
}

func normalizeContributors(v any) []string {
	var values []any
	switch typed := v.(type) {
	case []any:
		values = typed
	case []string:
		for _, s := range typed {
			values = append(values, s)
		}
	case string:
		values = []any{typed}
	}

	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		name := strings.TrimSpace(asString(value))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func normalizeResponseIDs(v any) []int64 {
	var values []any
	switch typed := v.(type) {
	case []any:
		values = typed
	case []int64:
		for _, id := range typed {
			values = append(values, id)
		}
	default:
		if v != nil {
			values = []any{v}
		}
	}

	out := make([]int64, 0, len(values))
	seen := make(map[int64]bool, len(values))
	for _, value := range values {
		id, ok := asInt(value)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		if typed {
			return "true"
		}
	}
	return ""
}

func asInt(v any) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) || math.Abs(typed) >= math.MaxInt64 {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		if id, err := typed.Int64(); err == nil {
			return id, true
		}
		return 0, false
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return id, err == nil
	}
	return 0, false
}

// ParseRaw decodes a model reply into raw proposals. It accepts a bare JSON
// array or an object with a "themes" or "theme_groups" array, optionally
// wrapped in a markdown code fence. Array elements that are not objects are
// skipped.
func ParseRaw(data []byte) ([]RawTheme, error) {
	body := stripFence(bytes.TrimSpace(data))
	if len(body) == 0 {
		return nil, apperr.Validation("themes", "empty proposal")
	}

	if body[0] != '[' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, apperr.Validation("themes", "decode proposal: %v", err)
		}
		inner, ok := wrapper["themes"]
		if !ok {
			inner, ok = wrapper["theme_groups"]
		}
		if !ok {
			return nil, apperr.Validation("themes", "expected an array or a themes field, got keys %v", keysOf(wrapper))
		}
		body = inner
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, apperr.Validation("themes", "decode proposal: %v", err)
	}
	list := make([]RawTheme, 0, len(elements))
	for _, element := range elements {
		dec := json.NewDecoder(bytes.NewReader(element))
		dec.UseNumber()
		var raw RawTheme
		if err := dec.Decode(&raw); err != nil || raw == nil {
			continue
		}
		list = append(list, raw)
	}
	return list, nil
}

func stripFence(body []byte) []byte {
	if !bytes.HasPrefix(body, []byte("```")) {
		return body
	}
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return nil
	}
	body = bytes.TrimSpace(body)
	body = bytes.TrimSuffix(body, []byte("```"))
	return bytes.TrimSpace(body)
}

func keysOf(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
