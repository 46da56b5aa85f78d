package ledger

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestMergeKeepsExistingAttributes(t *testing.T) {
	s := New()
	s.Merge("a:d:p1:0", Attributes{"average_reward": Number(10), "time": Number(1.5)})
	res := s.Merge("a:d:p1:0", Attributes{"total_reward": Number(40)})

	if res.NewUnit {
		t.Error("second merge should not create a new unit")
	}
	if res.Added != 1 {
		t.Errorf("Added = %d, want 1", res.Added)
	}

	row, ok := s.Get("a:d:p1:0")
	if !ok {
		t.Fatal("row missing")
	}
	for _, key := range []string{"average_reward", "time", "total_reward"} {
		if _, ok := row[key]; !ok {
			t.Errorf("attribute %s was dropped", key)
		}
	}
}

func TestMergeNewestWins(t *testing.T) {
	s := New()
	s.Merge("u", Attributes{"average_reward": Number(1)})
	res := s.Merge("u", Attributes{"average_reward": Number(2)})

	if res.Updated != 1 {
		t.Errorf("Updated = %d, want 1", res.Updated)
	}
	row, _ := s.Get("u")
	if got, _ := row.Float("average_reward"); got != 2 {
		t.Errorf("average_reward = %v, want 2", got)
	}
}

func TestMergeRejectsKindChange(t *testing.T) {
	s := New()
	s.Merge("u1", Attributes{"average_reward": Number(1)})
	res := s.Merge("u2", Attributes{"average_reward": String("n/a")})

	if len(res.Conflicts) != 1 || res.Conflicts[0] != "average_reward" {
		t.Fatalf("Conflicts = %v, want [average_reward]", res.Conflicts)
	}
	row, _ := s.Get("u2")
	if _, ok := row["average_reward"]; ok {
		t.Error("conflicting attribute should not be recorded")
	}
	if s.Schema()["average_reward"] != KindNumber {
		t.Error("schema kind should stay number")
	}
}

func TestMergeEmptyRowIsRecorded(t *testing.T) {
	s := New()
	res := s.Merge("u", nil)
	if !res.NewUnit {
		t.Error("expected NewUnit")
	}
	if !s.Has("u") {
		t.Error("empty row should still be recorded")
	}
}

func TestSaveIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	build := func() *Store {
		s := New()
		// insertion order differs between builds
		s.Merge("b:d:p:1", Attributes{"z": Number(1), "a": List([]float64{1, 2, 3})})
		s.Merge("a:d:p:0", Attributes{"status": String("done"), "ok": Bool(true)})
		return s
	}
	other := New()
	other.Merge("a:d:p:0", Attributes{"ok": Bool(true), "status": String("done")})
	other.Merge("b:d:p:1", Attributes{"a": List([]float64{1, 2, 3}), "z": Number(1)})

	p1 := filepath.Join(dir, "one")
	p2 := filepath.Join(dir, "two")
	if err := build().Save(p1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := other.Save(p2); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b1, _ := os.ReadFile(p1)
	b2, _ := os.ReadFile(p2)
	if !bytes.Equal(b1, b2) {
		t.Errorf("saved ledgers differ:\n%s\n---\n%s", b1, b2)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "properties")
	s := New()
	s.Merge("u", Attributes{
		"average_reward":   Number(12.5),
		"round_reward-all": List([]float64{10, 15}),
		"algorithm":        String("A"),
		"coverage":         Bool(true),
	})
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	row, ok := loaded.Get("u")
	if !ok {
		t.Fatal("row missing after load")
	}
	orig, _ := s.Get("u")
	for k, v := range orig {
		if !row[k].Equal(v) {
			t.Errorf("attribute %s = %v, want %v", k, row[k], v)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestLoadToleratesNullsAndMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "properties")
	data := []byte(`{"u1": {"average_reward": null, "time": 3}, "u2": {}}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	row, _ := s.Get("u1")
	if _, ok := row["average_reward"]; ok {
		t.Error("null attribute should be dropped")
	}
	if got, _ := row.Float("time"); got != 3 {
		t.Errorf("time = %v, want 3", got)
	}
}

func TestNonFiniteNumbersEncodeAsNull(t *testing.T) {
	v := Number(math.Inf(1))
	data, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "null" {
		t.Errorf("got %s, want null", data)
	}
}
