package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

func sampleSummary() store.Summary {
	return store.Summary{
		SessionID:        "rs_1",
		Title:            "Sprint 12 <Retro>",
		ParticipantCount: 4,
		ResponseCount:    9,
		ThemeCount:       3,
		TotalVotes:       17,
		CategoryCounts: map[store.Category]int{
			store.CategoryLiked:  4,
			store.CategoryLacked: 5,
		},
		Topics: []store.SummaryTopic{
			{Rank: 1, Title: "Flaky CI", Votes: 9, Status: store.TopicDiscussed, Notes: "Quarantine <script>", ActionItems: []string{"Own the CI board"}},
		},
		ActionItems: []string{"Own the CI board"},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Sprint 12 v1.2", "Sprint-12-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "retrospective"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatHTML, "pdf": FormatPDF, "json": FormatJSON, "docx": FormatDOCX} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xlsx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestRenderSummaryHTML(t *testing.T) {
	html, err := RenderSummaryHTML(sampleSummary())
	if err != nil {
		t.Fatalf("RenderSummaryHTML() error = %v", err)
	}
	for _, want := range []string{"Sprint 12 &lt;Retro&gt;", "Flaky CI", "Longed for", "Own the CI board", "17 votes", "Mar 1, 2026"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "<script>") {
		t.Error("notes must be escaped")
	}
}

func TestRenderSummaryHTMLWithoutTopics(t *testing.T) {
	summary := sampleSummary()
	summary.Topics = nil
	summary.ActionItems = nil
	html, err := RenderSummaryHTML(summary)
	if err != nil {
		t.Fatalf("RenderSummaryHTML() error = %v", err)
	}
	if !strings.Contains(html, "No theme reached the discussion threshold.") {
		t.Error("expected empty discussion message")
	}
	if strings.Contains(html, "<h2>Action items</h2>") {
		t.Error("expected no action items section")
	}
}

func TestExportJSONAndHTML(t *testing.T) {
	svc := NewService(nil, false, nil)
	ctx := context.Background()

	result, err := svc.Export(ctx, sampleSummary(), FormatJSON)
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	if result.Filename != "Sprint-12-Retro.json" || result.MimeType != "application/json" {
		t.Errorf("unexpected json result %s %s", result.Filename, result.MimeType)
	}
	var decoded store.Summary
	if err := json.Unmarshal(result.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TotalVotes != 17 || len(decoded.Topics) != 1 {
		t.Errorf("unexpected decoded summary %+v", decoded)
	}

	result, err = svc.Export(ctx, sampleSummary(), FormatHTML)
	if err != nil {
		t.Fatalf("export html: %v", err)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") || !strings.Contains(string(result.Data), "Flaky CI") {
		t.Errorf("unexpected html result %s", result.MimeType)
	}

	if _, err := svc.Export(ctx, sampleSummary(), Format("xlsx")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

type fakeObjects struct {
	objects map[string]string
	fail    error
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, contentType string) error {
	if f.fail != nil {
		return f.fail
	}
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[key] = contentType + "|" + string(data)
	return nil
}

func TestArchive(t *testing.T) {
	objects := &fakeObjects{}
	svc := NewService(objects, false, nil)

	keys, err := svc.Archive(context.Background(), "ws_1", sampleSummary())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := []string{"ws_1/rs_1/summary.json", "ws_1/rs_1/summary.html"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	if !strings.HasPrefix(objects.objects["ws_1/rs_1/summary.json"], "application/json|") {
		t.Errorf("unexpected json object %q", objects.objects["ws_1/rs_1/summary.json"])
	}
}

func TestArchiveSkipsMissingPDFRuntime(t *testing.T) {
	objects := &fakeObjects{}
	svc := NewService(objects, true, nil)
	svc.renderPDF = func(context.Context, string, string) (*Result, error) {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	keys, err := svc.Archive(context.Background(), "ws_1", sampleSummary())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected pdf to be skipped, got %v", keys)
	}

	svc.renderPDF = func(context.Context, string, string) (*Result, error) {
		return &Result{Data: []byte("%PDF"), MimeType: "application/pdf"}, nil
	}
	keys, err = svc.Archive(context.Background(), "ws_1", sampleSummary())
	if err != nil || len(keys) != 3 || keys[2] != "ws_1/rs_1/summary.pdf" {
		t.Fatalf("expected pdf archived, got %v err=%v", keys, err)
	}
}

func TestArchiveStoreFailure(t *testing.T) {
	boom := errors.New("bucket offline")
	svc := NewService(&fakeObjects{fail: boom}, false, nil)
	if _, err := svc.Archive(context.Background(), "ws_1", sampleSummary()); !errors.Is(err, boom) {
		t.Fatalf("expected store failure, got %v", err)
	}
}

func TestArchiveDisabled(t *testing.T) {
	keys, err := NewService(nil, true, nil).Archive(context.Background(), "ws_1", sampleSummary())
	if err != nil || keys != nil {
		t.Fatalf("expected no-op, got %v %v", keys, err)
	}
}
