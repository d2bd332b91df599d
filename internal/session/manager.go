// Package session maps the tabs a user sees onto task identities. It is
// the entry point for typed and spoken input and the only writer of tab
// state, which it persists through a Store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/design-assistant/internal/agents"
	"github.com/example/design-assistant/internal/confirm"
	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/orchestrator"
)

var ErrTabNotFound = errors.New("tab not found")

const (
	msgListening = "I'm listening. What would you like to do?"
	msgGone      = "That task is no longer active."
	msgWelcome   = "Hi! Tell me what you want to build, for example a panel schedule."
)

var (
	yesWords    = wordSet("yes", "y", "yeah", "yep", "sure", "ok", "okay")
	noWords     = wordSet("no", "n", "nope", "nah", "cancel")
	finishWords = wordSet("finished", "done", "complete", "stop")
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Reply is what a tab operation hands back to the client.
type Reply struct {
	TabID   string                      `json:"tab_id"`
	Outcome string                      `json:"outcome"`
	Message string                      `json:"message"`
	Pending *models.ConfirmationRequest `json:"pending,omitempty"`
	// SpawnedTabID is set when a confirmed start opened a new tab.
	SpawnedTabID string   `json:"spawned_tab_id,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	Changed      []string `json:"changed,omitempty"`
	Closed       bool     `json:"closed,omitempty"`
}

type Manager struct {
	mu    sync.Mutex
	st    State
	store Store

	reg       *orchestrator.Registry
	extractor agents.Extractor

	// initial parameters captured with a start request, applied once the
	// task is confirmed. Never persisted.
	initial map[string]initialParams

	now func() time.Time
}

type initialParams struct {
	updates []models.ParameterUpdate
	source  models.Source
}

// NewManager restores saved tabs from store (which may be nil) and makes
// sure the home tab exists. Tabs bound to tasks the registry no longer
// knows are unbound.
func NewManager(ctx context.Context, reg *orchestrator.Registry, extractor agents.Extractor, store Store) (*Manager, error) {
	if extractor == nil {
		extractor = &agents.KeywordExtractor{}
	}
	m := &Manager{
		store:     store,
		reg:       reg,
		extractor: extractor,
		initial:   map[string]initialParams{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	if store != nil {
		st, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		m.st = st
	}
	if m.st.DaySeq == nil {
		m.st.DaySeq = map[string]int{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHomeLocked()
	for i := range m.st.Tabs {
		m.st.Tabs[i].Pending = nil
		m.reconcileLocked(&m.st.Tabs[i])
	}
	if m.findLocked(m.st.ActiveTabID) == nil {
		m.st.ActiveTabID = m.st.Tabs[0].ID
	}
	m.saveLocked()
	log.Printf("session: restored tabs=%d active=%s", len(m.st.Tabs), m.st.ActiveTabID)
	return m, nil
}

// SetClock replaces the time source used for messages and display names.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) ensureHomeLocked() {
	homeAt := -1
	for i, t := range m.st.Tabs {
		if t.Home {
			homeAt = i
			break
		}
	}
	switch {
	case homeAt < 0:
		home := models.Tab{ID: uuid.NewString(), DisplayName: "Home", Home: true, WelcomeState: true, CreatedAt: m.now()}
		m.st.Tabs = append([]models.Tab{home}, m.st.Tabs...)
	case homeAt > 0:
		home := m.st.Tabs[homeAt]
		rest := append(m.st.Tabs[:homeAt:homeAt], m.st.Tabs[homeAt+1:]...)
		m.st.Tabs = append([]models.Tab{home}, rest...)
	}
	m.st.Tabs[0].BoundTaskID = ""
}

func (m *Manager) findLocked(id string) *models.Tab {
	for i := range m.st.Tabs {
		if m.st.Tabs[i].ID == id {
			return &m.st.Tabs[i]
		}
	}
	return nil
}

func (m *Manager) home() *models.Tab { return &m.st.Tabs[0] }

// reconcileLocked unbinds a tab whose task has been reclaimed. It reports
// whether the tab is still bound to a live task.
func (m *Manager) reconcileLocked(tab *models.Tab) bool {
	if tab.BoundTaskID == "" {
		return false
	}
	if _, err := m.reg.Get(tab.BoundTaskID); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			log.Printf("session: tab_id=%s task_id=%s unbound, task gone", tab.ID, tab.BoundTaskID)
			tab.BoundTaskID = ""
			tab.Pending = nil
			m.appendLocked(tab, models.RoleAssistant, msgGone)
		}
		return false
	}
	return true
}

func (m *Manager) appendLocked(tab *models.Tab, role models.Role, text string) {
	if text == "" {
		return
	}
	tab.Messages = append(tab.Messages, models.Message{Role: role, Text: text, At: m.now()})
	if role == models.RoleUser {
		tab.WelcomeState = false
	}
}

func (m *Manager) saveLocked() {
	if m.store == nil {
		return
	}
	st := State{ActiveTabID: m.st.ActiveTabID, DaySeq: m.st.DaySeq, Tabs: make([]models.Tab, len(m.st.Tabs))}
	copy(st.Tabs, m.st.Tabs)
	if err := m.store.Save(context.Background(), st); err != nil {
		log.Printf("session: save state: %v", err)
	}
}

func (m *Manager) nextDisplayNameLocked() string {
	day := m.now().Format("2006-01-02")
	m.st.DaySeq[day]++
	return fmt.Sprintf("%s #%d", day, m.st.DaySeq[day])
}

func cloneTab(t models.Tab) models.Tab {
	t.Messages = append([]models.Message(nil), t.Messages...)
	if t.Pending != nil {
		p := *t.Pending
		t.Pending = &p
	}
	return t
}

// Tabs returns copies of every tab in display order and the active tab id.
func (m *Manager) Tabs() ([]models.Tab, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Tab, 0, len(m.st.Tabs))
	for i := range m.st.Tabs {
		m.reconcileLocked(&m.st.Tabs[i])
		out = append(out, cloneTab(m.st.Tabs[i]))
	}
	return out, m.st.ActiveTabID
}

// Tab returns a copy of one tab.
func (m *Manager) Tab(id string) (models.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.findLocked(id)
	if tab == nil {
		return models.Tab{}, ErrTabNotFound
	}
	m.reconcileLocked(tab)
	return cloneTab(*tab), nil
}

// SwitchTo makes id the active tab and returns it with its log marked as
// replay. Replayed messages are a view only; the stored log is unchanged.
func (m *Manager) SwitchTo(id string) (models.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.findLocked(id)
	if tab == nil {
		return models.Tab{}, ErrTabNotFound
	}
	m.reconcileLocked(tab)
	if m.st.ActiveTabID != id {
		m.st.ActiveTabID = id
		m.saveLocked()
	}
	view := cloneTab(*tab)
	if len(view.Messages) == 0 && view.WelcomeState {
		view.Messages = append(view.Messages, models.Message{Role: models.RoleAssistant, Text: msgWelcome, At: m.now()})
	}
	for i := range view.Messages {
		view.Messages[i].Replay = true
	}
	return view, nil
}

func classify(text string) string {
	w := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!?, "))
	switch {
	case yesWords[w]:
		return "yes"
	case noWords[w]:
		return "no"
	case finishWords[w]:
		return "finish"
	}
	return ""
}

// Submit handles one utterance typed or spoken into a tab. voice marks the
// text as a speech transcript.
func (m *Manager) Submit(ctx context.Context, tabID, text string, voice bool) (Reply, error) {
	text = strings.TrimSpace(text)
	word := classify(text)

	m.mu.Lock()
	tab := m.findLocked(tabID)
	if tab == nil {
		m.mu.Unlock()
		return Reply{}, ErrTabNotFound
	}
	bound := m.reconcileLocked(tab)
	m.appendLocked(tab, models.RoleUser, text)

	if tab.Pending != nil {
		if word == "yes" || word == "no" {
			m.mu.Unlock()
			return m.Answer(tabID, word == "yes")
		}
		reply := Reply{TabID: tabID, Outcome: orchestrator.OutcomeOK, Pending: tab.Pending,
			Message: "Please answer yes or no. " + tab.Pending.PromptText}
		m.appendLocked(tab, models.RoleAssistant, reply.Message)
		m.saveLocked()
		m.mu.Unlock()
		return reply, nil
	}

	if bound && word == "finish" {
		defer m.mu.Unlock()
		return m.requestFinishLocked(tab, false), nil
	}
	home := tab.Home
	taskID := tab.BoundTaskID
	m.saveLocked()
	m.mu.Unlock()

	if text == "" {
		return m.say(tabID, Reply{Outcome: orchestrator.OutcomeOK, Message: msgListening})
	}
	ex, err := m.extractor.Extract(ctx, text)
	if err != nil {
		log.Printf("session: tab_id=%s extract: %v", tabID, err)
		ex = agents.Extraction{}
	}

	switch {
	case bound:
		return m.applyText(tabID, taskID, ex.Updates, voice)
	case home && ex.Detected():
		return m.proposeStart(tabID, ex, voice)
	case home:
		return m.say(tabID, Reply{Outcome: orchestrator.OutcomeOK, Message: msgListening})
	}
	return m.say(tabID, Reply{Outcome: orchestrator.OutcomeNotFound, Message: msgGone})
}

// say appends reply.Message to the tab's log and returns the reply.
func (m *Manager) say(tabID string, reply Reply) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.findLocked(tabID)
	if tab == nil {
		return Reply{}, ErrTabNotFound
	}
	reply.TabID = tabID
	m.appendLocked(tab, models.RoleAssistant, reply.Message)
	m.saveLocked()
	return reply, nil
}

func (m *Manager) applyText(tabID, taskID string, updates []models.ParameterUpdate, voice bool) (Reply, error) {
	if len(updates) == 0 {
		return m.say(tabID, Reply{Outcome: orchestrator.OutcomeOK, TaskID: taskID,
			Message: "I didn't catch any parameters in that."})
	}
	src := sourceOf(voice)
	for i := range updates {
		updates[i].Source = src
	}
	changed, err := m.reg.UpdateParameters(taskID, updates, src)
	if err != nil {
		return m.say(tabID, Reply{Outcome: orchestrator.Outcome(err), TaskID: taskID,
			Message: orchestrator.UserMessage(err, m.reg.Limiter().Ceiling())})
	}
	return m.say(tabID, Reply{Outcome: orchestrator.OutcomeOK, TaskID: taskID, Changed: changed,
		Message: Acknowledge(updates)})
}

// Acknowledge renders captured updates as "Got it, voltage is 480V, phase
// is 3."
func Acknowledge(updates []models.ParameterUpdate) string {
	if len(updates) == 0 {
		return "No parameters given."
	}
	parts := make([]string, 0, len(updates))
	for _, u := range updates {
		key := strings.ReplaceAll(u.Key, "_", " ")
		if c, ok := u.Value.(map[string]any); ok {
			desc := fmt.Sprint(c["circuits"])
			if d, ok := c["description"]; ok {
				desc += " " + strings.ToLower(fmt.Sprint(d))
			}
			parts = append(parts, "circuit "+strings.TrimSpace(desc))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %v", key, u.Value))
	}
	return "Got it, " + strings.Join(parts, ", ") + "."
}

func sourceOf(voice bool) models.Source {
	if voice {
		return models.SourceVoice
	}
	return models.SourceText
}

func (m *Manager) proposeStart(tabID string, ex agents.Extraction, voice bool) (Reply, error) {
	panel := ""
	for _, u := range ex.Updates {
		if u.Key == "panel_name" {
			panel = fmt.Sprint(u.Value)
		}
	}
	task, err := m.reg.Create(ex.Kind, panel)
	if err != nil {
		return m.say(tabID, Reply{Outcome: orchestrator.Outcome(err),
			Message: orchestrator.UserMessage(err, m.reg.Limiter().Ceiling())})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.findLocked(tabID)
	if tab == nil {
		m.reg.ForceClose(task.ID, "tab closed")
		return Reply{}, ErrTabNotFound
	}
	if old := tab.Pending; old != nil && old.Kind == models.ConfirmStartTask {
		delete(m.initial, old.TargetTaskID)
		m.reg.ForceClose(old.TargetTaskID, "superseded")
	}
	if len(ex.Updates) > 0 {
		m.initial[task.ID] = initialParams{updates: ex.Updates, source: sourceOf(voice)}
	}
	tab.Pending = confirm.StartRequest(task.ID, task.Kind)
	m.appendLocked(tab, models.RoleAssistant, tab.Pending.PromptText)
	m.saveLocked()
	return Reply{TabID: tabID, Outcome: orchestrator.OutcomeOK, TaskID: task.ID, Pending: tab.Pending, Message: tab.Pending.PromptText}, nil
}

func (m *Manager) requestFinishLocked(tab *models.Tab, closeTab bool) Reply {
	taskID := tab.BoundTaskID
	prompt, err := m.reg.RequestFinish(taskID)
	if err != nil {
		reply := Reply{TabID: tab.ID, TaskID: taskID, Outcome: orchestrator.Outcome(err),
			Message: orchestrator.UserMessage(err, m.reg.Limiter().Ceiling())}
		m.appendLocked(tab, models.RoleAssistant, reply.Message)
		m.saveLocked()
		return reply
	}
	tab.Pending = confirm.FinishRequest(taskID, prompt, closeTab)
	m.appendLocked(tab, models.RoleAssistant, prompt)
	m.saveLocked()
	return Reply{TabID: tab.ID, TaskID: taskID, Outcome: orchestrator.OutcomeOK, Pending: tab.Pending, Message: prompt}
}

// Answer is the single entry point for yes/no answers to a tab's pending
// confirmation.
func (m *Manager) Answer(tabID string, yes bool) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.findLocked(tabID)
	if tab == nil {
		return Reply{}, ErrTabNotFound
	}
	action, err := confirm.Decide(tab.Pending, yes, tab.Home)
	if err != nil {
		return Reply{TabID: tabID, Outcome: orchestrator.OutcomeInvalidState, Message: "Nothing is waiting for an answer here."}, err
	}
	reply := Reply{TabID: tabID, TaskID: action.TaskID, Outcome: orchestrator.OutcomeOK}

	switch action.Kind {
	case confirm.ActionStart:
		task, err := m.reg.ConfirmStart(action.TaskID)
		if err != nil {
			reply.Outcome = orchestrator.Outcome(err)
			reply.Message = orchestrator.UserMessage(err, m.reg.Limiter().Ceiling())
			if !errors.Is(err, orchestrator.ErrConcurrencyLimitExceeded) {
				tab.Pending = nil
				delete(m.initial, action.TaskID)
			}
			reply.Pending = tab.Pending
			break
		}
		spawned := m.spawnLocked(tab, task)
		reply.SpawnedTabID = spawned.ID
		reply.Message = spawned.Messages[len(spawned.Messages)-1].Text
		m.saveLocked()
		return reply, nil

	case confirm.ActionDiscardStart:
		tab.Pending = nil
		delete(m.initial, action.TaskID)
		reply.Message = "Okay, I won't start it. What would you like to do?"

	case confirm.ActionFinish:
		if err := m.reg.ConfirmFinish(action.TaskID, true); err != nil && !errors.Is(err, orchestrator.ErrNotFound) {
			reply.Outcome = orchestrator.Outcome(err)
			reply.Message = orchestrator.UserMessage(err, m.reg.Limiter().Ceiling())
			tab.Pending = nil
			break
		}
		tab.Pending = nil
		tab.BoundTaskID = ""
		reply.Message = "Task finished. Its uploads and outputs were deleted."
		if action.CloseTab {
			m.removeLocked(tab.ID)
			reply.Closed = true
			m.saveLocked()
			log.Printf("session: tab_id=%s task_id=%s closed after finish", tabID, action.TaskID)
			return reply, nil
		}

	case confirm.ActionResume:
		tab.Pending = nil
		if err := m.reg.ConfirmFinish(action.TaskID, false); err != nil {
			reply.Outcome = orchestrator.Outcome(err)
			reply.Message = orchestrator.UserMessage(err, m.reg.Limiter().Ceiling())
			m.reconcileLocked(tab)
			break
		}
		reply.Message = "Okay, let's keep going."
	}
	m.appendLocked(tab, models.RoleAssistant, reply.Message)
	m.saveLocked()
	return reply, nil
}

// spawnLocked opens a tab bound to a freshly confirmed task, carrying the
// home tab's log over, and resets home.
func (m *Manager) spawnLocked(home *models.Tab, task models.Task) models.Tab {
	tab := models.Tab{
		ID:          uuid.NewString(),
		DisplayName: m.nextDisplayNameLocked(),
		BoundTaskID: task.ID,
		Messages:    append([]models.Message(nil), home.Messages...),
		CreatedAt:   m.now(),
	}
	msg := fmt.Sprintf("Started %s '%s'.", task.Kind.Label(), task.PanelName)
	if start, ok := m.initial[task.ID]; ok && len(start.updates) > 0 {
		delete(m.initial, task.ID)
		if _, err := m.reg.UpdateParameters(task.ID, start.updates, start.source); err != nil {
			log.Printf("session: task_id=%s apply initial parameters: %v", task.ID, err)
		} else {
			msg += " " + Acknowledge(start.updates)
		}
	}
	m.appendLocked(&tab, models.RoleAssistant, msg)

	home.Pending = nil
	home.Messages = nil
	home.WelcomeState = true

	m.st.Tabs = append(m.st.Tabs, tab)
	m.st.ActiveTabID = tab.ID
	log.Printf("session: tab_id=%s task_id=%s opened as %q", tab.ID, task.ID, tab.DisplayName)
	return tab
}

func (m *Manager) removeLocked(id string) {
	for i := range m.st.Tabs {
		if m.st.Tabs[i].ID == id {
			m.st.Tabs = append(m.st.Tabs[:i], m.st.Tabs[i+1:]...)
			break
		}
	}
	if m.st.ActiveTabID == id {
		m.st.ActiveTabID = m.home().ID
	}
}

// Close closes a tab. Closing home does nothing. When the bound task has a
// build running, the tab stays open behind a finish confirmation; otherwise
// the tab is removed and its task force-closed.
func (m *Manager) Close(tabID string) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab := m.findLocked(tabID)
	if tab == nil {
		return Reply{}, ErrTabNotFound
	}
	if tab.Home {
		return Reply{TabID: tabID, Outcome: orchestrator.OutcomeOK}, nil
	}
	taskID := tab.BoundTaskID
	if taskID != "" && m.reg.BuildInProgress(taskID) {
		if p := tab.Pending; p != nil && p.Kind == models.ConfirmFinishTask {
			p.CloseTab = true
			m.saveLocked()
			return Reply{TabID: tabID, TaskID: taskID, Outcome: orchestrator.OutcomeOK, Pending: p, Message: p.PromptText}, nil
		}
		return m.requestFinishLocked(tab, true), nil
	}
	m.removeLocked(tabID)
	if taskID != "" {
		m.reg.ForceClose(taskID, "tab closed")
	}
	m.saveLocked()
	log.Printf("session: tab_id=%s closed task_id=%s", tabID, taskID)
	return Reply{TabID: tabID, TaskID: taskID, Outcome: orchestrator.OutcomeOK, Closed: true}, nil
}

// Shutdown persists the final state and closes the store.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked()
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
