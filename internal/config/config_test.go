package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.RecipesQueue != "jarvis.recipes.jobs" || cfg.OCRQueue != "jarvis.ocr.jobs" {
		t.Fatalf("unexpected queue defaults: %s %s", cfg.RecipesQueue, cfg.OCRQueue)
	}
	if cfg.AbandonAfter != 72*time.Hour {
		t.Fatalf("abandon threshold should default to 4320 minutes, got %s", cfg.AbandonAfter)
	}
	if cfg.InlineTextLimit != 64*1024 {
		t.Fatalf("unexpected inline text limit %d", cfg.InlineTextLimit)
	}
	if cfg.TraceExporter != "none" || cfg.TraceSampleRatio != 1 {
		t.Fatalf("tracing must default off with full sampling, got %q %v", cfg.TraceExporter, cfg.TraceSampleRatio)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ABANDON_AFTER_MINUTES", "30")
	t.Setenv("VISION_ENABLED", "false")
	t.Setenv("GATE_MIN_CONFIDENCE", "72.5")
	t.Setenv("LLM_TEXT_TIMEOUT", "15s")
	t.Setenv("HTML_CONTENT_TYPES", " text/html , ,application/xhtml+xml")
	t.Setenv("MAX_IMAGES", "not-a-number")

	cfg := Load()
	if cfg.AbandonAfter != 30*time.Minute {
		t.Fatalf("got abandon %s", cfg.AbandonAfter)
	}
	if cfg.VisionEnabled {
		t.Fatalf("vision should be disabled")
	}
	if cfg.GateMinConfidence != 72.5 {
		t.Fatalf("got confidence %v", cfg.GateMinConfidence)
	}
	if cfg.LLMTextTimeout != 15*time.Second {
		t.Fatalf("got timeout %s", cfg.LLMTextTimeout)
	}
	if len(cfg.HTMLContentTypes) != 2 || cfg.HTMLContentTypes[1] != "application/xhtml+xml" {
		t.Fatalf("got content types %v", cfg.HTMLContentTypes)
	}
	if cfg.MaxImages != 8 {
		t.Fatalf("bad int should fall back to default, got %d", cfg.MaxImages)
	}
}

func TestMaxAttempts(t *testing.T) {
	cfg := Config{MaxAttemptsURL: 3, MaxAttemptsPayload: 4, MaxAttemptsImage: 2}
	for typ, want := range map[string]int{"url": 3, "payload": 4, "image": 2, "other": 1} {
		if got := cfg.MaxAttempts(typ); got != want {
			t.Fatalf("MaxAttempts(%q) = %d, want %d", typ, got, want)
		}
	}
}
