package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"funsearch/internal/model"
)

func TestDecodePromptFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("prompt_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	prompt, err := DecodePrompt(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if prompt.ID != "prompt-minimal-1" {
		t.Fatalf("unexpected prompt id: %s", prompt.ID)
	}
	if prompt.IslandID != 3 || prompt.Version != 2 {
		t.Fatalf("unexpected island/version: %d/%d", prompt.IslandID, prompt.Version)
	}
}

func TestDecodePromptRejectsVersionMismatch(t *testing.T) {
	data, err := os.ReadFile(fixturePath("prompt_v0.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	_, err = DecodePrompt(data)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got=%v", err)
	}
}

func TestStampPromptKeepsExistingID(t *testing.T) {
	stamped := stampPrompt(model.Prompt{ID: "keep-me", Code: "def f(x):"})
	if stamped.ID != "keep-me" {
		t.Fatalf("expected id to be kept, got=%s", stamped.ID)
	}
	if stamped.SchemaVersion != CurrentSchemaVersion || stamped.CodecVersion != CurrentCodecVersion {
		t.Fatalf("unexpected record versions: %+v", stamped.VersionedRecord)
	}

	generated := stampPrompt(model.Prompt{Code: "def f(x):"})
	if generated.ID == "" {
		t.Fatal("expected generated prompt id")
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}
