package player

import (
	"path/filepath"
	"testing"
)

func TestFileIdentityRoundTrip(t *testing.T) {
	f := NewFileIdentity(filepath.Join(t.TempDir(), "ids.json"))

	if _, ok, err := f.Load("482913"); err != nil || ok {
		t.Fatalf("Load on empty store = ok=%v err=%v, want miss", ok, err)
	}

	if err := f.Save("482913", "player-1"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := f.Save("111111", "player-2"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	id, ok, err := f.Load("482913")
	if err != nil || !ok || id != "player-1" {
		t.Fatalf("Load = %q ok=%v err=%v, want player-1", id, ok, err)
	}

	// Identities are per PIN.
	id, ok, _ = f.Load("111111")
	if !ok || id != "player-2" {
		t.Fatalf("Load(111111) = %q ok=%v, want player-2", id, ok)
	}

	if err := f.Clear("482913"); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if _, ok, _ := f.Load("482913"); ok {
		t.Fatal("identity survived Clear")
	}
	if _, ok, _ := f.Load("111111"); !ok {
		t.Fatal("Clear removed an unrelated identity")
	}
}

func TestFileIdentityPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.json")

	if err := NewFileIdentity(path).Save("482913", "player-1"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	id, ok, err := NewFileIdentity(path).Load("482913")
	if err != nil || !ok || id != "player-1" {
		t.Fatalf("reload = %q ok=%v err=%v, want player-1", id, ok, err)
	}
}
