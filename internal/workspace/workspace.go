// Package workspace lays out the per-task ephemeral directories:
//
//	<root>/<task_id>/uploads
//	<root>/<task_id>/outputs
//	<root>/.staging/<build_id>
//
// Builds write into a staging directory and are moved into outputs only
// when committed, so a task directory never holds a half-written build.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/example/design-assistant/internal/models"
)

const (
	uploadsDir = "uploads"
	outputsDir = "outputs"
	stagingDir = ".staging"
)

var (
	ErrBadName    = errors.New("invalid file name")
	ErrNoTaskDir  = errors.New("task directory does not exist")
	ErrFileAbsent = errors.New("file not found")
)

type Workspace struct {
	root string
}

func New(root string) (*Workspace, error) {
	if root == "" {
		return nil, errors.New("workspace root is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) taskDir(taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." || taskID == stagingDir {
		return "", fmt.Errorf("%w: task id %q", ErrBadName, taskID)
	}
	return filepath.Join(w.root, taskID), nil
}

// Create makes the uploads and outputs areas for a task.
func (w *Workspace) Create(taskID string) error {
	dir, err := w.taskDir(taskID)
	if err != nil {
		return err
	}
	for _, sub := range []string{uploadsDir, outputsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return nil
}

// Remove deletes everything stored for a task. Removing an absent task is
// not an error.
func (w *Workspace) Remove(taskID string) error {
	dir, err := w.taskDir(taskID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (w *Workspace) Exists(taskID string) bool {
	dir, err := w.taskDir(taskID)
	if err != nil {
		return false
	}
	_, err = os.Stat(dir)
	return err == nil
}

// Sanitize reduces a client-supplied file name to a safe base name.
func Sanitize(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == "/" || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return base, nil
}

// SaveUpload copies r into the task's uploads area.
func (w *Workspace) SaveUpload(taskID, name string, r io.Reader) (models.FileRef, error) {
	base, err := Sanitize(name)
	if err != nil {
		return models.FileRef{}, err
	}
	dir, err := w.taskDir(taskID)
	if err != nil {
		return models.FileRef{}, err
	}
	updir := filepath.Join(dir, uploadsDir)
	if _, err := os.Stat(updir); err != nil {
		return models.FileRef{}, ErrNoTaskDir
	}
	dst := filepath.Join(updir, base)
	f, err := os.Create(dst)
	if err != nil {
		return models.FileRef{}, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return models.FileRef{}, fmt.Errorf("write upload: %w", err)
	}
	return models.FileRef{Name: base, Size: n, AddedAt: time.Now().UTC()}, nil
}

// ClearUploads deletes every file in the task's uploads area and returns
// how many were removed.
func (w *Workspace) ClearUploads(taskID string) (int, error) {
	dir, err := w.taskDir(taskID)
	if err != nil {
		return 0, err
	}
	updir := filepath.Join(dir, uploadsDir)
	entries, err := os.ReadDir(updir)
	if err != nil {
		return 0, ErrNoTaskDir
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(updir, e.Name())); err != nil {
			return n, fmt.Errorf("remove upload %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

func (w *Workspace) UploadPath(taskID, name string) (string, error) {
	return w.filePath(taskID, uploadsDir, name)
}

func (w *Workspace) OutputPath(taskID, name string) (string, error) {
	return w.filePath(taskID, outputsDir, name)
}

func (w *Workspace) filePath(taskID, sub, name string) (string, error) {
	base, err := Sanitize(name)
	if err != nil {
		return "", err
	}
	dir, err := w.taskDir(taskID)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, sub, base)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileAbsent, base)
	}
	return p, nil
}

// NewStaging creates an empty staging directory for one build.
func (w *Workspace) NewStaging(buildID string) (string, error) {
	if buildID == "" || strings.ContainsAny(buildID, `/\.`) {
		return "", fmt.Errorf("%w: build id %q", ErrBadName, buildID)
	}
	dir := filepath.Join(w.root, stagingDir, buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging: %w", err)
	}
	return dir, nil
}

func (w *Workspace) Discard(staging string) {
	_ = os.RemoveAll(staging)
}

// rename is swapped in tests to fail a commit midway.
var rename = os.Rename

// Commit moves every file in staging into the task's outputs area,
// replacing same-named files from earlier builds, and removes the outputs
// named in drop that the staging does not replace. Either all of it lands
// or none of it does: replaced and dropped files are parked in a backup
// directory until the last move succeeds. Staging is always removed. The
// returned refs are sorted by name.
func (w *Workspace) Commit(staging, taskID string, drop ...string) ([]models.ArtifactRef, error) {
	defer w.Discard(staging)
	dir, err := w.taskDir(taskID)
	if err != nil {
		return nil, err
	}
	outdir := filepath.Join(dir, outputsDir)
	if _, err := os.Stat(outdir); err != nil {
		return nil, ErrNoTaskDir
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, fmt.Errorf("read staging: %w", err)
	}
	backup, err := os.MkdirTemp(dir, ".commit-")
	if err != nil {
		return nil, fmt.Errorf("create commit backup: %w", err)
	}
	defer os.RemoveAll(backup)

	var parked, placed []string
	undo := func() {
		for _, name := range placed {
			_ = os.Remove(filepath.Join(outdir, name))
		}
		for _, name := range parked {
			_ = rename(filepath.Join(backup, name), filepath.Join(outdir, name))
		}
	}
	park := func(name string) error {
		err := rename(filepath.Join(outdir, name), filepath.Join(backup, name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err == nil {
			parked = append(parked, name)
		}
		return err
	}

	refs := make([]models.ArtifactRef, 0, len(entries))
	fresh := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			undo()
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		if err := park(e.Name()); err != nil {
			undo()
			return nil, fmt.Errorf("commit %s: %w", e.Name(), err)
		}
		if err := rename(filepath.Join(staging, e.Name()), filepath.Join(outdir, e.Name())); err != nil {
			undo()
			return nil, fmt.Errorf("commit %s: %w", e.Name(), err)
		}
		placed = append(placed, e.Name())
		fresh[e.Name()] = true
		refs = append(refs, models.ArtifactRef{Name: e.Name(), Size: info.Size()})
	}
	for _, name := range drop {
		name = filepath.Base(name)
		if fresh[name] {
			continue
		}
		if err := park(name); err != nil {
			undo()
			return nil, fmt.Errorf("drop %s: %w", name, err)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Sweep removes every task and staging directory left under root, e.g. by
// a previous process. It returns the number of task directories removed.
func (w *Workspace) Sweep() (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	n := 0
	for _, e := range entries {
		p := filepath.Join(w.root, e.Name())
		if e.Name() == stagingDir {
			sub, _ := os.ReadDir(p)
			for _, s := range sub {
				_ = os.RemoveAll(filepath.Join(p, s.Name()))
			}
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return n, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}
