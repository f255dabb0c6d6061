package progress

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/enermet/metercal/pkg/session"
)

// Both backends run the same contract suite.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ss, err := NewSQLiteStore(filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		fs.Close()
		ss.Close()
	})
	return map[string]Store{"file": fs, "sqlite": ss}
}

func record(index int, state session.StepState, outcome *session.Outcome) StepRecord {
	return StepRecord{
		Index:   index,
		Kind:    session.StepReadBaseline,
		State:   state,
		Outcome: outcome,
		SavedAt: time.Now(),
	}
}

func TestLoadMissingSessionIsNil(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := store.Load("never-seen")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if rec != nil {
				t.Errorf("rec = %+v, want nil", rec)
			}
		})
	}
}

func TestSaveUpsertsAndLoads(t *testing.T) {
	outcome := &session.Outcome{
		Pass:         true,
		ErrorPercent: map[string]float64{"voltage": 0.217},
		Readings: []session.Reading{
			{Name: "voltage", Value: 230.5, Unit: "V", Timestamp: time.Now()},
		},
	}
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save("m1", record(0, session.StepInProgress, nil)); err != nil {
				t.Fatal(err)
			}
			if err := store.Save("m1", record(0, session.StepCompleted, outcome)); err != nil {
				t.Fatal(err)
			}
			if err := store.Save("m1", record(1, session.StepInProgress, nil)); err != nil {
				t.Fatal(err)
			}

			rec, err := store.Load("m1")
			if err != nil {
				t.Fatal(err)
			}
			if rec == nil || len(rec.Steps) != 2 {
				t.Fatalf("rec = %+v, want 2 steps", rec)
			}

			got, done := rec.Completed(0)
			if !done {
				t.Fatal("step 0 not completed after upsert")
			}
			if got == nil || !got.Pass || got.ErrorPercent["voltage"] != 0.217 {
				t.Errorf("outcome = %+v", got)
			}
			if got.Readings[0].Value != 230.5 {
				t.Errorf("reading = %+v", got.Readings[0])
			}

			if _, done := rec.Completed(1); done {
				t.Error("in-progress step reported completed")
			}
		})
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save("m1", record(0, session.StepCompleted, nil)); err != nil {
				t.Fatal(err)
			}
			if err := store.Save("m2", record(0, session.StepFailed, nil)); err != nil {
				t.Fatal(err)
			}

			rec, err := store.Load("m1")
			if err != nil {
				t.Fatal(err)
			}
			if _, done := rec.Completed(0); !done {
				t.Error("m1 lost its completed step")
			}

			if err := store.Archive("m1"); err != nil {
				t.Fatal(err)
			}
			if rec, _ := store.Load("m1"); rec != nil {
				t.Error("m1 survived Archive")
			}
			if rec, _ := store.Load("m2"); rec == nil {
				t.Error("Archive of m1 removed m2")
			}
		})
	}
}

func TestArchiveMissingSessionIsNoop(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Archive("never-seen"); err != nil {
				t.Errorf("Archive: %v", err)
			}
		})
	}
}

func TestFileStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "m1.json"), []byte("{torn"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Load("m1"); err == nil {
		t.Error("Load accepted a torn record")
	}
}

func TestFileStoreUnreadableRecordFailsSave(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	// A symlink loop makes ReadFile fail with something other than
	// not-exist. Save must refuse rather than rewrite the record from
	// the single step it was handed.
	link := filepath.Join(dir, "m1.json")
	if err := os.Symlink(link, link); err != nil {
		t.Fatal(err)
	}
	err = fs.Save("m1", record(3, session.StepCompleted, nil))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Save = %v, want ErrPersistence", err)
	}
}

func TestFileStoreSanitizesSessionIDs(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	id := "../../etc/meter 1"
	if err := fs.Save(id, record(0, session.StepCompleted, nil)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 record inside the state dir", len(entries))
	}
	rec, err := fs.Load(id)
	if err != nil || rec == nil {
		t.Fatalf("Load(%q) = %+v, %v", id, rec, err)
	}
}

func TestSQLiteStoreReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	ss, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ss.Save("m1", record(0, session.StepCompleted, &session.Outcome{Pass: true})); err != nil {
		t.Fatal(err)
	}
	if err := ss.Close(); err != nil {
		t.Fatal(err)
	}

	ss2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ss2.Close()
	rec, err := ss2.Load("m1")
	if err != nil {
		t.Fatal(err)
	}
	if _, done := rec.Completed(0); !done {
		t.Error("completed step lost across reopen")
	}
}
