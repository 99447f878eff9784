package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectText(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "docs/readme.md", "# hello")
	writeFile(t, root, "image.png", "binarybinary")
	writeFile(t, root, "node_modules/dep/index.js", "skip me")
	writeFile(t, root, ".git/config", "skip me too")

	text, err := CollectText(root, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	s := string(text)
	if !strings.Contains(s, "package main") {
		t.Error("Expected go source collected")
	}
	if !strings.Contains(s, "# hello") {
		t.Error("Expected markdown collected")
	}
	if !strings.Contains(s, "===== main.go =====") {
		t.Error("Expected file path headers")
	}
	if strings.Contains(s, "skip me") {
		t.Error("node_modules and .git must be skipped")
	}
	if strings.Contains(s, "binarybinary") {
		t.Error("Non-source extensions must be skipped")
	}
}

func TestCollectTextByteCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", strings.Repeat("x", 10_000))
	writeFile(t, root, "more.go", strings.Repeat("y", 10_000))

	text, err := CollectText(root, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(text) > 600 {
		t.Errorf("Expected output near the cap, got %d bytes", len(text))
	}
}
