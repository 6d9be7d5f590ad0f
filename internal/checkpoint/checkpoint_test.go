package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveCopiesTopLevelFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.pkl"), []byte("weights"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "train.log"), []byte("log"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, DirName, "model.pkl"))
	if err != nil {
		t.Fatalf("checkpoint copy missing: %v", err)
	}
	if string(b) != "weights" {
		t.Fatalf("unexpected content %q", b)
	}
	if _, err := os.Stat(filepath.Join(dir, DirName, "train.log")); err != nil {
		t.Fatalf("train.log not checkpointed: %v", err)
	}
}

func TestSaveSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "tensorboard")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "events"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DirName, "tensorboard")); !os.IsNotExist(err) {
		t.Fatalf("directories must not be copied, stat err=%v", err)
	}
}

func TestSaveIdempotentOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.pkl")
	if err := os.WriteFile(path, []byte("v1"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := Save(dir); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, DirName, "model.pkl"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "v2" {
		t.Fatalf("second Save must overwrite, got %q", b)
	}
}
