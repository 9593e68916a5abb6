package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openshelf/openshelf/internal/metadata"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "history.db"), 256)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func entry(id, outcome string, at time.Time) Entry {
	return Entry{
		ID:         id,
		FinishedAt: at,
		Book:       &metadata.Book{ID: "m-" + id, Title: "Book " + id, Format: "epub"},
		Source:     "libgen-li",
		URL:        "http://libgen.li/get.php?md5=" + id,
		Outcome:    outcome,
		Bytes:      1024,
		Duration:   3 * time.Second,
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	r, err := Open(path, 256)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := r.Record(entry("a", "complete", time.Now())); err != nil {
		t.Fatalf("record: %v", err)
	}
	r.Close()

	// Migrations are idempotent, existing rows survive.
	r2, err := Open(path, 256)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	rows, err := r2.List(Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "a" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestRecord_List(t *testing.T) {
	r := newRepo(t)
	base := time.Now()

	if err := r.Record(entry("old", "error", base.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(entry("new", "complete", base)); err != nil {
		t.Fatal(err)
	}

	rows, err := r.List(Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "new" || rows[1].ID != "old" {
		t.Fatalf("order wrong: %+v", rows)
	}
	if rows[0].Title != "Book new" || rows[0].Duration != 3*time.Second {
		t.Fatalf("row = %+v", rows[0])
	}

	failed, err := r.List(Filter{Outcome: "error"})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "old" {
		t.Fatalf("outcome filter: %+v", failed)
	}
}

func TestRecord_DuplicateIDIgnored(t *testing.T) {
	r := newRepo(t)
	if err := r.Record(entry("a", "complete", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(entry("a", "error", time.Now())); err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	rows, _ := r.List(Filter{})
	if len(rows) != 1 || rows[0].Outcome != "complete" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestPrune_Retention(t *testing.T) {
	r := newRepo(t)
	now := time.Now()

	if err := r.Record(entry("expired", "complete", now.AddDate(0, 0, -120))); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(entry("kept", "complete", now)); err != nil {
		t.Fatal(err)
	}

	if err := r.Prune(90); err != nil {
		t.Fatalf("prune: %v", err)
	}

	rows, err := r.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "kept" {
		t.Fatalf("rows after prune = %+v", rows)
	}
}

func TestList_Pagination(t *testing.T) {
	r := newRepo(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := r.Record(entry(string(rune('a'+i)), "complete", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := r.List(Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID != "d" || rows[1].ID != "c" {
		t.Fatalf("page = %+v", rows)
	}
}
