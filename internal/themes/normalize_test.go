package themes

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"  The Deploy Pipeline Is Broken!! ", "The Deploy Pipeline Is Broken"},
		{"-- Too many meetings --", "Too many meetings"},
		{"one two three four five six seven eight", "one two three four five six"},
		{"a, b, c, d, e, f, g", "a, b, c, d, e, f"},
		{"\"Quoted   title\"", "Quoted title"},
		{"!!!", ""},
		{nil, ""},
		{42.0, "42"},
	}
	for _, tt := range tests {
		if got := NormalizeTitle(tt.in); got != tt.want {
			t.Errorf("NormalizeTitle(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := map[any]store.Category{
		"Liked":       store.CategoryLiked,
		" LEARNED ":   store.CategoryLearned,
		"lacked":      store.CategoryLacked,
		"longed_for":  store.CategoryLongedFor,
		"longedfor":   store.CategoryLongedFor,
		"Longed For":  store.CategoryLongedFor,
		"longed-for":  store.CategoryLongedFor,
		"frustrating": store.CategoryLiked,
		"":            store.CategoryLiked,
	}
	for in, want := range tests {
		if got := NormalizeCategory(in); got != want {
			t.Errorf("NormalizeCategory(%q) = %s, want %s", in, got, want)
		}
	}
	if got := NormalizeCategory(nil); got != store.CategoryLiked {
		t.Errorf("NormalizeCategory(nil) = %s, want liked", got)
	}
}

func TestNormalizeDescription(t *testing.T) {
	got := NormalizeDescription("Builds fail often. Nobody owns CI! It blocks releases? Yes.")
	if got != "Builds fail often. Nobody owns CI!" {
		t.Errorf("unexpected description %q", got)
	}
	if got := NormalizeDescription("  single sentence without a stop "); got != "single sentence without a stop" {
		t.Errorf("unexpected description %q", got)
	}
	if got := NormalizeDescription(""); got != FallbackDescription {
		t.Errorf("expected fallback, got %q", got)
	}
	if got := NormalizeDescription(map[string]any{}); got != FallbackDescription {
		t.Errorf("expected fallback for non-string, got %q", got)
	}
}

func TestNormalizeBatch(t *testing.T) {
	raw := []RawTheme{
		{
			"title":            "  Deploy pipeline is slow. ",
			"description":      "CI takes 40 minutes. Reviews wait on it. People context-switch.",
			"primary_category": "LACKED",
			"contributors":     []any{"Ada", "", "Grace", "Ada", nil},
			"response_ids":     []any{1.0, "2", "x", 3.5, "2", 4.0},
		},
		{"title": "deploy PIPELINE is slow", "primary_category": "liked"},
		{"title": "---"},
		{"title": "Pairing sessions", "primary_category": "longedfor", "contributors": "Linus"},
		nil,
	}

	got := Normalize(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 themes, got %d: %+v", len(got), got)
	}

	first := got[0]
	if first.Title != "Deploy pipeline is slow" {
		t.Errorf("unexpected title %q", first.Title)
	}
	if first.Description != "CI takes 40 minutes. Reviews wait on it." {
		t.Errorf("unexpected description %q", first.Description)
	}
	if first.PrimaryCategory != store.CategoryLacked {
		t.Errorf("unexpected category %s", first.PrimaryCategory)
	}
	if !reflect.DeepEqual(first.Contributors, []string{"Ada", "Grace"}) {
		t.Errorf("unexpected contributors %v", first.Contributors)
	}
	if !reflect.DeepEqual(first.ResponseIDs, []int64{1, 2, 4}) {
		t.Errorf("unexpected response ids %v", first.ResponseIDs)
	}

	second := got[1]
	if second.Title != "Pairing sessions" || second.PrimaryCategory != store.CategoryLongedFor {
		t.Errorf("unexpected second theme %+v", second)
	}
	if second.Description != FallbackDescription {
		t.Errorf("expected fallback description, got %q", second.Description)
	}
	if !reflect.DeepEqual(second.Contributors, []string{"Linus"}) {
		t.Errorf("unexpected contributors %v", second.Contributors)
	}
}

func TestNormalizeTitlesDistinctAndShort(t *testing.T) {
	inputs := []string{
		"Alpha", "ALPHA", "alpha!", "Beta gamma delta epsilon zeta eta theta",
		"beta gamma delta epsilon zeta", "  ", "Beta Gamma Delta Epsilon Zeta Eta",
	}
	raw := make([]RawTheme, 0, len(inputs))
	for _, title := range inputs {
		raw = append(raw, RawTheme{"title": title})
	}

	got := Normalize(raw)
	seen := map[string]bool{}
	for _, theme := range got {
		key := strings.ToLower(theme.Title)
		if seen[key] {
			t.Fatalf("duplicate title %q", theme.Title)
		}
		seen[key] = true
		if words := len(strings.Fields(theme.Title)); words > MaxTitleWords {
			t.Fatalf("title %q has %d words", theme.Title, words)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct titles, got %d: %+v", len(got), got)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := []RawTheme{
		{"title": "Standups run long", "contributors": []any{"b", "a"}, "response_ids": []any{"9", 3.0}},
		{"title": "Good docs", "primary_category": "learned"},
	}
	if !reflect.DeepEqual(Normalize(raw), Normalize(raw)) {
		t.Fatal("expected identical output for identical input")
	}
}

func TestParseRaw(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"array", `[{"title":"A"},{"title":"B"}]`, 2},
		{"wrapped", `{"themes":[{"title":"A"}]}`, 1},
		{"theme groups key", `{"theme_groups":[{"title":"A"},{"title":"B"},{"title":"C"}]}`, 3},
		{"fenced", "```json\n[{\"title\":\"A\"}]\n```", 1},
		{"skips non objects", `[{"title":"A"}, "junk", 7, null]`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRaw([]byte(tt.in))
			if err != nil {
				t.Fatalf("ParseRaw failed: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d themes, got %d", tt.want, len(got))
			}
		})
	}
}

func TestParseRawRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not json", `{"other":[]}`, `{"themes":"nope"}`} {
		_, err := ParseRaw([]byte(in))
		var validation *apperr.ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("ParseRaw(%q): expected ValidationError, got %v", in, err)
		}
	}
}

func TestParseRawKeepsLargeIDs(t *testing.T) {
	got, err := ParseRaw([]byte(`[{"title":"A","response_ids":[9007199254740993]}]`))
	if err != nil {
		t.Fatalf("ParseRaw failed: %v", err)
	}
	themes := Normalize(got)
	if len(themes) != 1 || !reflect.DeepEqual(themes[0].ResponseIDs, []int64{9007199254740993}) {
		t.Fatalf("unexpected ids %+v", themes)
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory(" Longed_For "); err != nil || c != store.CategoryLongedFor {
		t.Fatalf("expected longed_for, got %s err=%v", c, err)
	}
	if _, err := ParseCategory("longedfor"); err == nil {
		t.Fatal("expected strict parsing to reject variants")
	}
}
