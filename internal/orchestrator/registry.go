// Package orchestrator owns the task lifecycle: the registry of tasks and
// their parameter stores, the concurrency limiter, the eviction reaper and
// the build coordinator.
package orchestrator

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
	"github.com/example/design-assistant/internal/workspace"
)

// task is the registry's private record. Every field is guarded by mu;
// the registry map itself is guarded by Registry.mu and is only held long
// enough to look a record up or remove it.
type task struct {
	mu sync.Mutex

	id           string
	kind         models.TaskKind
	panelName    string
	state        models.TaskState
	createdAt    time.Time
	lastActivity time.Time
	params       *params.Store
	uploads      []models.FileRef
	outputs      []models.ArtifactRef
	lastBuild    *models.ArtifactSet
	builds       int
	inflight     int
}

func (t *task) view(withParams bool) models.Task {
	v := models.Task{
		ID:             t.id,
		Kind:           t.kind,
		PanelName:      t.panelName,
		State:          t.state,
		CreatedAt:      t.createdAt,
		LastActivityAt: t.lastActivity,
		UploadedFiles:  append([]models.FileRef(nil), t.uploads...),
		Outputs:        append([]models.ArtifactRef(nil), t.outputs...),
		Builds:         t.builds,
		BuildInFlight:  t.inflight > 0,
	}
	if withParams {
		v.Parameters = t.params.Snapshot().Entries()
	}
	return v
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*task

	limiter *Limiter
	ws      *workspace.Workspace
	hub     *Hub
	now     func() time.Time
}

func NewRegistry(limiter *Limiter, ws *workspace.Workspace, hub *Hub) *Registry {
	if hub == nil {
		hub = NewHub()
	}
	return &Registry{
		tasks:   map[string]*task{},
		limiter: limiter,
		ws:      ws,
		hub:     hub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Hub() *Hub         { return r.hub }
func (r *Registry) Limiter() *Limiter { return r.limiter }

// SetClock replaces the time source. Tests use it to drive the reaper.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) lookup(id string) (*task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// locked looks id up and returns it with its lock held.
func (r *Registry) locked(id string) (*task, error) {
	t, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.state == models.StateFinished {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func invalid(t *task, op string) error {
	return fmt.Errorf("%w: cannot %s task %s in state %s", ErrInvalidState, op, t.id, t.state)
}

func (r *Registry) publishState(t *task, extra map[string]any) {
	p := map[string]any{"state": t.state, "panel_name": t.panelName}
	for k, v := range extra {
		p[k] = v
	}
	r.hub.Publish(t.id, Event{Event: EventTaskState, TaskID: t.id, Payload: p})
}

// Create allocates a task in AwaitingConfirmation. It does not take a slot.
func (r *Registry) Create(kind models.TaskKind, panelName string) (models.Task, error) {
	if !kind.Valid() {
		return models.Task{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	now := r.now()
	t := &task{
		id:           uuid.NewString(),
		kind:         kind,
		panelName:    strings.TrimSpace(panelName),
		state:        models.StateAwaitingConfirmation,
		createdAt:    now,
		lastActivity: now,
		params:       params.NewStore(),
	}
	if err := r.ws.Create(t.id); err != nil {
		log.Printf("registry: task_id=%s create workspace: %v", t.id, err)
		return models.Task{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()
	log.Printf("registry: task_id=%s created kind=%s", t.id, kind)
	r.publishState(t, nil)
	return t.view(false), nil
}

// ConfirmStart admits a pending task and makes it Active. When the limiter
// rejects, the task stays in AwaitingConfirmation.
func (r *Registry) ConfirmStart(id string) (models.Task, error) {
	t, err := r.locked(id)
	if err != nil {
		return models.Task{}, err
	}
	defer t.mu.Unlock()
	if t.state != models.StateAwaitingConfirmation {
		return models.Task{}, invalid(t, "confirm")
	}
	if !r.limiter.Admit(t.id) {
		log.Printf("registry: task_id=%s admission rejected in_use=%d", t.id, r.limiter.InUse())
		return models.Task{}, ErrConcurrencyLimitExceeded
	}
	if t.panelName == "" {
		t.panelName = placeholderName()
	}
	t.state = models.StateActive
	t.lastActivity = r.now()
	log.Printf("registry: task_id=%s active panel=%q", t.id, t.panelName)
	r.publishState(t, nil)
	return t.view(true), nil
}

func placeholderName() string {
	return fmt.Sprintf("Panel%05d", rand.IntN(100000))
}

// UpdateParameters merges updates into an Active task's store. Updates
// without a timestamp are stamped with the current time and updates without
// a source take def. It returns the keys whose stored value changed.
func (r *Registry) UpdateParameters(id string, updates []models.ParameterUpdate, def models.Source) ([]string, error) {
	t, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	if t.state != models.StateActive {
		return nil, invalid(t, "update")
	}
	now := r.now()
	stamped := make([]models.ParameterUpdate, 0, len(updates))
	var bad []FieldProblem
	for _, u := range updates {
		u = params.Stamp(u, def, now)
		if !u.Source.Valid() {
			bad = append(bad, FieldProblem{Key: u.Key, Reason: fmt.Sprintf("unknown source %q", u.Source)})
		}
		stamped = append(stamped, u)
	}
	if len(bad) > 0 {
		return nil, &ValidationError{Problems: bad}
	}
	var changed []string
	for _, u := range stamped {
		if !t.params.Apply(u) {
			continue
		}
		key := params.NormalizeKey(u.Key)
		changed = append(changed, key)
		if key == "panel_name" {
			if name := strings.TrimSpace(fmt.Sprint(u.Value)); name != "" {
				t.panelName = name
			}
		}
	}
	t.lastActivity = now
	if len(changed) > 0 {
		r.hub.Publish(t.id, Event{Event: EventParameters, TaskID: t.id, Payload: map[string]any{"changed": changed}})
	}
	return changed, nil
}

// RequestFinish moves an Active task to AwaitingFinishConfirmation and
// returns the prompt to show.
func (r *Registry) RequestFinish(id string) (string, error) {
	t, err := r.locked(id)
	if err != nil {
		return "", err
	}
	defer t.mu.Unlock()
	if t.state != models.StateActive {
		return "", invalid(t, "finish")
	}
	t.state = models.StateAwaitingFinishConfirmation
	r.publishState(t, nil)
	return FinishPrompt(t.panelName), nil
}

func FinishPrompt(panel string) string {
	return fmt.Sprintf("End Task? Finishing '%s' deletes its uploads and outputs.", panel)
}

// ConfirmFinish resolves a pending finish. Yes finishes the task and
// reclaims it; no returns it to Active.
func (r *Registry) ConfirmFinish(id string, yes bool) error {
	t, err := r.locked(id)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	if t.state != models.StateAwaitingFinishConfirmation {
		return invalid(t, "confirm finish of")
	}
	if !yes {
		t.state = models.StateActive
		t.lastActivity = r.now()
		r.publishState(t, nil)
		return nil
	}
	r.finishLocked(t, "confirmed")
	return nil
}

// ForceClose finishes a task from any state without confirmation. Closing
// an unknown or already finished task is a no-op.
func (r *Registry) ForceClose(id, reason string) error {
	t, err := r.lookup(id)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.finishLocked(t, reason)
	return nil
}

// closeIf finishes id when pred holds for it under the task lock.
func (r *Registry) closeIf(id, reason string, pred func(*task) bool) bool {
	t, err := r.lookup(id)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == models.StateFinished || !pred(t) {
		return false
	}
	r.finishLocked(t, reason)
	return true
}

// finishLocked is the single reclamation path. t.mu must be held.
func (r *Registry) finishLocked(t *task, reason string) {
	if t.state == models.StateFinished {
		return
	}
	prev := t.state
	t.state = models.StateFinished
	t.params.Clear()
	t.uploads = nil
	t.outputs = nil
	t.lastBuild = nil
	if err := r.ws.Remove(t.id); err != nil {
		log.Printf("registry: task_id=%s remove workspace: %v", t.id, err)
	}
	r.limiter.Release(t.id)
	r.mu.Lock()
	delete(r.tasks, t.id)
	r.mu.Unlock()
	log.Printf("registry: task_id=%s finished from=%s reason=%s", t.id, prev, reason)
	r.publishState(t, map[string]any{"reason": reason})
}

// Rename changes an Active task's panel label.
func (r *Registry) Rename(id, name string) (models.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Task{}, &ValidationError{Problems: []FieldProblem{{Key: "panel_name", Reason: "empty"}}}
	}
	t, err := r.locked(id)
	if err != nil {
		return models.Task{}, err
	}
	defer t.mu.Unlock()
	if t.state != models.StateActive {
		return models.Task{}, invalid(t, "rename")
	}
	t.panelName = name
	t.lastActivity = r.now()
	r.publishState(t, nil)
	return t.view(false), nil
}

func (r *Registry) Get(id string) (models.Task, error) {
	t, err := r.locked(id)
	if err != nil {
		return models.Task{}, err
	}
	defer t.mu.Unlock()
	return t.view(true), nil
}

// Snapshot returns a point-in-time copy of a task's parameters.
func (r *Registry) Snapshot(id string) (params.Snapshot, error) {
	t, err := r.locked(id)
	if err != nil {
		return params.Snapshot{}, err
	}
	defer t.mu.Unlock()
	return t.params.Snapshot(), nil
}

// List returns every live task ordered by creation time.
func (r *Registry) List() []models.Task {
	r.mu.RLock()
	all := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	r.mu.RUnlock()
	out := make([]models.Task, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		if t.state != models.StateFinished {
			out = append(out, t.view(false))
		}
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	return out
}

// BuildInProgress reports whether a build is running for id.
func (r *Registry) BuildInProgress(id string) bool {
	t, err := r.locked(id)
	if err != nil {
		return false
	}
	defer t.mu.Unlock()
	return t.inflight > 0
}

// AddUpload stores one uploaded file for an Active task.
func (r *Registry) AddUpload(id, name string, body io.Reader) (models.FileRef, error) {
	t, err := r.locked(id)
	if err != nil {
		return models.FileRef{}, err
	}
	defer t.mu.Unlock()
	if t.state != models.StateActive {
		return models.FileRef{}, invalid(t, "upload to")
	}
	ref, err := r.ws.SaveUpload(t.id, name, body)
	if err != nil {
		if errors.Is(err, workspace.ErrBadName) {
			return models.FileRef{}, &ValidationError{Problems: []FieldProblem{{Key: "file", Reason: err.Error()}}}
		}
		log.Printf("registry: task_id=%s save upload: %v", t.id, err)
		return models.FileRef{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	replaced := false
	for i := range t.uploads {
		if t.uploads[i].Name == ref.Name {
			t.uploads[i] = ref
			replaced = true
		}
	}
	if !replaced {
		t.uploads = append(t.uploads, ref)
	}
	t.lastActivity = r.now()
	r.hub.Publish(t.id, Event{Event: EventUpload, TaskID: t.id, Payload: ref})
	return ref, nil
}

// UploadPath resolves an uploaded file of a live task.
func (r *Registry) UploadPath(id, name string) (string, error) {
	t, err := r.locked(id)
	if err != nil {
		return "", err
	}
	defer t.mu.Unlock()
	return r.ws.UploadPath(t.id, name)
}

func (r *Registry) Uploads(id string) ([]models.FileRef, error) {
	t, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	return append([]models.FileRef(nil), t.uploads...), nil
}

// ClearUploads deletes every uploaded file of an Active task. Parameters
// already extracted from those files stay in place.
func (r *Registry) ClearUploads(id string) (int, error) {
	t, err := r.locked(id)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()
	if t.state != models.StateActive {
		return 0, invalid(t, "clear uploads of")
	}
	n, err := r.ws.ClearUploads(t.id)
	if err != nil {
		log.Printf("registry: task_id=%s clear uploads: %v", t.id, err)
		return n, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	t.uploads = nil
	t.lastActivity = r.now()
	r.hub.Publish(t.id, Event{Event: EventUpload, TaskID: t.id, Payload: map[string]any{"cleared": n}})
	return n, nil
}

// OutputsZip bundles the task's current outputs into one zip archive. The
// archive is built in memory under the task lock so a concurrent finish or
// build commit cannot change the set halfway.
func (r *Registry) OutputsZip(id string) ([]byte, error) {
	t, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, o := range t.outputs {
		if err := r.addToZip(zw, t.id, o.Name); err != nil {
			log.Printf("registry: task_id=%s zip %s: %v", t.id, o.Name, err)
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return buf.Bytes(), nil
}

func (r *Registry) addToZip(zw *zip.Writer, taskID, name string) error {
	p, err := r.ws.OutputPath(taskID, name)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Method = zip.Deflate
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}

func (r *Registry) Outputs(id string) ([]models.ArtifactRef, error) {
	t, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	return append([]models.ArtifactRef(nil), t.outputs...), nil
}

// LastBuild returns the artifact set of the most recent successful build.
func (r *Registry) LastBuild(id string) (*models.ArtifactSet, error) {
	t, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	if t.lastBuild == nil {
		return nil, nil
	}
	cp := *t.lastBuild
	return &cp, nil
}

// OpenOutput opens an output file while holding the task lock, so the file
// cannot be reclaimed between lookup and open.
func (r *Registry) OpenOutput(id, name string) (*os.File, error) {
	t, err := r.locked(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	p, err := r.ws.OutputPath(t.id, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return os.Open(p)
}

// beginBuild captures the snapshot a build runs against and marks the
// build in flight. Only Active tasks may start a build.
func (r *Registry) beginBuild(id string) (models.TaskKind, params.Snapshot, error) {
	t, err := r.locked(id)
	if err != nil {
		return "", params.Snapshot{}, err
	}
	defer t.mu.Unlock()
	if t.state != models.StateActive {
		return "", params.Snapshot{}, invalid(t, "build")
	}
	t.inflight++
	t.lastActivity = r.now()
	return t.kind, t.params.Snapshot(), nil
}

func (r *Registry) abortBuild(id string) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if t.inflight > 0 {
		t.inflight--
	}
	t.mu.Unlock()
}

// commitBuild moves staged files into the task's outputs. A task that
// finished while the build ran gets nothing and the staging is discarded.
func (r *Registry) commitBuild(id, staging string, set models.ArtifactSet, advisory map[string]bool) (models.ArtifactSet, error) {
	t, err := r.lookup(id)
	if err != nil {
		r.ws.Discard(staging)
		return models.ArtifactSet{}, ErrTaskGone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight > 0 {
		t.inflight--
	}
	if t.state == models.StateFinished {
		r.ws.Discard(staging)
		return models.ArtifactSet{}, ErrTaskGone
	}
	// advisory files belong to the build that produced them
	var stale []string
	for _, o := range t.outputs {
		if o.Kind == models.ArtifactAdvisory {
			stale = append(stale, o.Name)
		}
	}
	refs, err := r.ws.Commit(staging, t.id, stale...)
	if err != nil {
		log.Printf("registry: task_id=%s commit build %s: %v", t.id, set.BuildID, err)
		return models.ArtifactSet{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	fresh := make(map[string]bool, len(refs))
	for _, ref := range refs {
		fresh[ref.Name] = true
	}
	kept := make([]models.ArtifactRef, 0, len(t.outputs))
	for _, o := range t.outputs {
		if o.Kind == models.ArtifactAdvisory && !fresh[o.Name] {
			continue
		}
		kept = append(kept, o)
	}
	t.outputs = kept
	set.Primary, set.Advisory = nil, nil
	for _, ref := range refs {
		if advisory[ref.Name] {
			ref.Kind = models.ArtifactAdvisory
			set.Advisory = append(set.Advisory, ref)
		} else {
			ref.Kind = models.ArtifactPrimary
			set.Primary = append(set.Primary, ref)
		}
		t.outputs = upsertArtifact(t.outputs, ref)
	}
	t.builds++
	t.lastActivity = r.now()
	cp := set
	t.lastBuild = &cp
	r.hub.Publish(t.id, Event{Event: EventBuild, TaskID: t.id, Payload: set})
	return set, nil
}

func upsertArtifact(list []models.ArtifactRef, ref models.ArtifactRef) []models.ArtifactRef {
	for i := range list {
		if list[i].Name == ref.Name {
			list[i] = ref
			return list
		}
	}
	return append(list, ref)
}
