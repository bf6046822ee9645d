package vlmproc

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleCatalog = `
[[models]]
id = "qwen-vl-7b"
model_file = "/models/qwen-vl-7b.gguf"
mmproj_file = "/models/qwen-vl-7b-mmproj.gguf"
gpu_layers = 35
context_size = 8192
host = "127.0.0.1"
port = 8088
server_binary = "llama-server"

[[models]]
id = "minicpm-v"
model_file = "/models/minicpm-v.gguf"
mmproj_file = "/models/minicpm-v-mmproj.gguf"
gpu_layers = 0
context_size = 4096
host = "127.0.0.1"
port = 8089
server_binary = "llama-server"
`

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.toml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Models) != 2 {
		t.Fatalf("got %d models, want 2", len(cat.Models))
	}

	m, ok := cat.Find("qwen-vl-7b")
	if !ok {
		t.Fatal("expected to find qwen-vl-7b")
	}
	if m.GPULayers != 35 || m.Port != 8088 {
		t.Errorf("got %+v", m)
	}
}

func TestCatalogFindMissing(t *testing.T) {
	cat := &Catalog{}
	if _, ok := cat.Find("nope"); ok {
		t.Error("expected not found")
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	if _, err := LoadCatalog("/nonexistent/models.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
