package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStyleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "styles.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write style file: %v", err)
	}
	return path
}

func TestStyleStore_DefaultsWithoutFile(t *testing.T) {
	store := NewStyleStore("")
	hints := store.Hints()

	if hints != DefaultStyleHints {
		t.Errorf("Expected defaults, got %+v", hints)
	}
}

func TestStyleStore_LoadsFile(t *testing.T) {
	path := writeStyleFile(t, `
tone: upbeat
opening_phrase: "Here we go."
max_paragraphs: 5
`)
	store := NewStyleStore(path)
	hints := store.Hints()

	if hints.Tone != "upbeat" {
		t.Errorf("Expected tone upbeat, got %q", hints.Tone)
	}
	if hints.OpeningPhrase != "Here we go." {
		t.Errorf("Expected loaded opening phrase, got %q", hints.OpeningPhrase)
	}
	if hints.MaxParagraphs != 5 {
		t.Errorf("Expected 5 paragraphs, got %d", hints.MaxParagraphs)
	}

	// Fields the file omits keep their defaults
	if hints.ClosingPhrase != DefaultStyleHints.ClosingPhrase {
		t.Errorf("Omitted field should default, got %q", hints.ClosingPhrase)
	}
	if hints.PlaceholderLine != DefaultStyleHints.PlaceholderLine {
		t.Errorf("Omitted field should default, got %q", hints.PlaceholderLine)
	}
}

func TestStyleStore_MissingFileKeepsDefaults(t *testing.T) {
	store := NewStyleStore(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if store.Hints() != DefaultStyleHints {
		t.Error("Missing file should leave defaults in place")
	}
}

func TestStyleStore_MalformedFileKeepsDefaults(t *testing.T) {
	path := writeStyleFile(t, "tone: [not: valid")
	store := NewStyleStore(path)
	if store.Hints() != DefaultStyleHints {
		t.Error("Malformed file should leave defaults in place")
	}
}

func TestStyleStore_ReloadPicksUpChanges(t *testing.T) {
	path := writeStyleFile(t, "tone: calm")
	store := NewStyleStore(path)

	if store.Hints().Tone != "calm" {
		t.Fatalf("Expected initial tone calm, got %q", store.Hints().Tone)
	}

	if err := os.WriteFile(path, []byte("tone: wry"), 0644); err != nil {
		t.Fatalf("Failed to rewrite style file: %v", err)
	}
	if err := store.reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if store.Hints().Tone != "wry" {
		t.Errorf("Expected reloaded tone wry, got %q", store.Hints().Tone)
	}
}
