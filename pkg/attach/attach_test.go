package attach

import (
	"bytes"
	"strings"
	"testing"
)

func TestSaveLoadDelete(t *testing.T) {
	st, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte{1, 2, 3, 4}
	path, err := st.Save(data, ".png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(path, ".png") {
		t.Fatalf("extension not applied: %s", path)
	}
	got, err := st.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("payload mismatch")
	}
	if err := st.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Load(path); err == nil {
		t.Fatalf("deleted file still readable")
	}
	// deleting again is not an error
	if err := st.Delete(path); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestSaveUniqueNames(t *testing.T) {
	st, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := st.Save([]byte("a"), "bin")
	b, _ := st.Save([]byte("b"), "bin")
	if a == b {
		t.Fatalf("two saves produced the same path")
	}
}

func TestList(t *testing.T) {
	st, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p1, _ := st.Save([]byte("a"), "bin")
	p2, _ := st.Save([]byte("b"), "bin")
	paths, err := st.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(paths))
	}
	found := map[string]bool{}
	for _, p := range paths {
		found[p] = true
	}
	if !found[p1] || !found[p2] {
		t.Fatalf("missing saved paths: %+v", paths)
	}
}
