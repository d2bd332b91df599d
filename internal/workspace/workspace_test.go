package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newWS(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"panel.pdf":           "panel.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\a b.png`: "a b.png",
		"dir/sub/notes.txt":   "notes.txt",
	}
	for in, want := range cases {
		got, err := Sanitize(in)
		if err != nil || got != want {
			t.Errorf("Sanitize(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "..", ".", "/", ".hidden"} {
		if _, err := Sanitize(bad); !errors.Is(err, ErrBadName) {
			t.Errorf("Sanitize(%q) err = %v, want ErrBadName", bad, err)
		}
	}
}

func TestUploadAndRemove(t *testing.T) {
	w := newWS(t)
	if err := w.Create("t1"); err != nil {
		t.Fatal(err)
	}
	ref, err := w.SaveUpload("t1", "../x/photo.jpg", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if ref.Name != "photo.jpg" || ref.Size != 3 {
		t.Fatalf("ref = %+v", ref)
	}
	p, err := w.UploadPath("t1", "photo.jpg")
	if err != nil {
		t.Fatalf("UploadPath: %v", err)
	}
	if !strings.HasPrefix(p, filepath.Join(w.Root(), "t1", "uploads")) {
		t.Fatalf("upload stored outside task dir: %s", p)
	}
	if err := w.Remove("t1"); err != nil {
		t.Fatal(err)
	}
	if w.Exists("t1") {
		t.Fatal("task dir still exists after Remove")
	}
	if _, err := w.UploadPath("t1", "photo.jpg"); !errors.Is(err, ErrFileAbsent) {
		t.Fatalf("err = %v, want ErrFileAbsent", err)
	}
	if err := w.Remove("t1"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestSaveUploadWithoutTaskDir(t *testing.T) {
	w := newWS(t)
	if _, err := w.SaveUpload("gone", "a.txt", strings.NewReader("x")); !errors.Is(err, ErrNoTaskDir) {
		t.Fatalf("err = %v, want ErrNoTaskDir", err)
	}
}

func TestStagingCommit(t *testing.T) {
	w := newWS(t)
	if err := w.Create("t1"); err != nil {
		t.Fatal(err)
	}
	st, err := w.NewStaging("b1")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"z.json", "a.csv"} {
		if err := os.WriteFile(filepath.Join(st, n), []byte(n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	refs, err := w.Commit(st, "t1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(refs) != 2 || refs[0].Name != "a.csv" || refs[1].Name != "z.json" {
		t.Fatalf("refs = %+v", refs)
	}
	if _, err := os.Stat(st); !os.IsNotExist(err) {
		t.Fatal("staging dir not removed after commit")
	}
	if _, err := w.OutputPath("t1", "a.csv"); err != nil {
		t.Fatalf("OutputPath: %v", err)
	}
}

func stage(t *testing.T, w *Workspace, buildID string, files map[string]string) string {
	t.Helper()
	st, err := w.NewStaging(buildID)
	if err != nil {
		t.Fatal(err)
	}
	for n, body := range files {
		if err := os.WriteFile(filepath.Join(st, n), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func outputNames(t *testing.T, w *Workspace, taskID string) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(w.Root(), taskID, outputsDir))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		b, _ := os.ReadFile(filepath.Join(w.Root(), taskID, outputsDir, e.Name()))
		names = append(names, e.Name()+"="+string(b))
	}
	return strings.Join(names, ",")
}

func TestCommitDropsStaleOutputs(t *testing.T) {
	w := newWS(t)
	if err := w.Create("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(stage(t, w, "b1", map[string]string{"a.csv": "1", "review.json": "1"}), "t1"); err != nil {
		t.Fatal(err)
	}
	refs, err := w.Commit(stage(t, w, "b2", map[string]string{"a.csv": "2"}), "t1", "review.json", "never-existed.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Name != "a.csv" {
		t.Fatalf("refs = %+v", refs)
	}
	if got := outputNames(t, w, "t1"); got != "a.csv=2" {
		t.Fatalf("outputs = %s", got)
	}
	// a dropped name that the new build writes again is kept
	if _, err := w.Commit(stage(t, w, "b3", map[string]string{"review.json": "3"}), "t1", "review.json"); err != nil {
		t.Fatal(err)
	}
	if got := outputNames(t, w, "t1"); got != "a.csv=2,review.json=3" {
		t.Fatalf("outputs = %s", got)
	}
}

func TestCommitRollsBackOnFailure(t *testing.T) {
	w := newWS(t)
	if err := w.Create("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(stage(t, w, "b1", map[string]string{"a.csv": "old", "review.json": "old"}), "t1"); err != nil {
		t.Fatal(err)
	}

	calls := 0
	rename = func(from, to string) error {
		calls++
		// park a.csv, place a.csv, park b.csv, then fail placing b.csv
		if calls == 4 {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })

	st := stage(t, w, "b2", map[string]string{"a.csv": "new", "b.csv": "new"})
	if _, err := w.Commit(st, "t1", "review.json"); err == nil {
		t.Fatal("expected commit error")
	}
	if got := outputNames(t, w, "t1"); got != "a.csv=old,review.json=old" {
		t.Fatalf("outputs after failed commit = %s", got)
	}
	if _, err := os.Stat(st); !os.IsNotExist(err) {
		t.Fatal("staging dir not removed after failed commit")
	}
	entries, _ := os.ReadDir(filepath.Join(w.Root(), "t1"))
	if len(entries) != 2 {
		t.Fatalf("task dir has leftovers: %d entries", len(entries))
	}
}

func TestCommitIntoRemovedTask(t *testing.T) {
	w := newWS(t)
	st, _ := w.NewStaging("b2")
	_ = os.WriteFile(filepath.Join(st, "a.csv"), []byte("x"), 0o644)
	if _, err := w.Commit(st, "missing"); !errors.Is(err, ErrNoTaskDir) {
		t.Fatalf("err = %v, want ErrNoTaskDir", err)
	}
	if w.Exists("missing") {
		t.Fatal("commit recreated a removed task dir")
	}
}

func TestSweep(t *testing.T) {
	w := newWS(t)
	for _, id := range []string{"a", "b"} {
		if err := w.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = w.NewStaging("leftover")
	n, err := w.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if w.Exists("a") || w.Exists("b") {
		t.Fatal("task dirs survived sweep")
	}
	if _, err := w.NewStaging("next"); err != nil {
		t.Fatalf("staging unusable after sweep: %v", err)
	}
}

func TestClearUploads(t *testing.T) {
	w := newWS(t)
	if err := w.Create("t1"); err != nil {
		t.Fatal(err)
	}
	w.SaveUpload("t1", "a.pdf", strings.NewReader("x"))
	w.SaveUpload("t1", "b.jpg", strings.NewReader("y"))
	st := stage(t, w, "b1", map[string]string{"a.csv": "new"})
	if _, err := w.Commit(st, "t1"); err != nil {
		t.Fatal(err)
	}

	n, err := w.ClearUploads("t1")
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, err := w.UploadPath("t1", "a.pdf"); !errors.Is(err, ErrFileAbsent) {
		t.Fatalf("upload still present: %v", err)
	}
	if got := outputNames(t, w, "t1"); got != "a.csv=new" {
		t.Fatalf("outputs = %s", got)
	}
	if _, err := w.ClearUploads("gone"); !errors.Is(err, ErrNoTaskDir) {
		t.Fatalf("err = %v, want ErrNoTaskDir", err)
	}
}
