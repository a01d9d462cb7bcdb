package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	if err := Write(path, sample{Name: "home", Count: 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var got sample
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != (sample{Name: "home", Count: 3}) {
		t.Errorf("Read() = %+v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the state file", len(entries))
	}
}

func TestWriteReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	for i := 1; i <= 3; i++ {
		if err := Write(path, sample{Count: i}); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}
	var got sample
	if err := Read(path, &got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Count != 3 {
		t.Errorf("Count = %d, want 3", got.Count)
	}
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	var v sample
	if err := Read(filepath.Join(dir, "missing.json"), &v); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read(missing) error = %v, want os.ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := Read(bad, &v); err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read(bad) error = %v, want a parse error", err)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Remove(path); err != nil {
		t.Errorf("Remove(missing) error = %v", err)
	}
	if err := Write(path, sample{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still exists after Remove")
	}
}
