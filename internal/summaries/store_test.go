package summaries

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPutSkipsShortDocuments(t *testing.T) {
	s := NewStore(t.TempDir(), 100, nil)
	id, err := s.Put("short doc", "summary")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("short document stored with id %q", id)
	}
	if _, ok := s.Get("short doc"); ok {
		t.Error("short document retrievable")
	}
}

func TestPutAndGet(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 10, nil)
	doc := strings.Repeat("lorem ipsum ", 20)

	id, err := s.Put(doc, "a summary")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("no id assigned")
	}

	got, ok := s.Get(doc)
	if !ok || got != "a summary" {
		t.Errorf("Get = %q, %v", got, ok)
	}

	original, err := s.Original(id)
	if err != nil || original != doc {
		t.Errorf("Original: %v", err)
	}

	// Files follow the summary-<id>/original-<id> layout.
	for _, name := range []string{"summary-" + id + ".txt", "original-" + id + ".txt", "summary_hash_map.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestPutReusesIDForSameDocument(t *testing.T) {
	s := NewStore(t.TempDir(), 1, nil)

	id1, err := s.Put("the document body", "first summary")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Put("the document body", "revised summary")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("same document got ids %s and %s", id1, id2)
	}
	if got, _ := s.Get("the document body"); got != "revised summary" {
		t.Errorf("summary not overwritten: %q", got)
	}
}

func TestHashMapSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 1, nil)
	id, err := s.Put("persistent doc", "sum")
	if err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(dir, 1, nil)
	got, ok := s2.Get("persistent doc")
	if !ok || got != "sum" {
		t.Errorf("Get after restart = %q, %v", got, ok)
	}

	data, err := os.ReadFile(filepath.Join(dir, "summary_hash_map.json"))
	if err != nil {
		t.Fatal(err)
	}
	hashes := map[string]string{}
	if err := json.Unmarshal(data, &hashes); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, v := range hashes {
		if v == id {
			found = true
		}
	}
	if !found {
		t.Errorf("id %s not in hash map %v", id, hashes)
	}
}
