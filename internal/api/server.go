// Package api exposes the core operations and the tab operations over HTTP.
// Every response is JSON carrying an outcome kind and a user-facing message.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/example/design-assistant/internal/confirm"
	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/orchestrator"
	"github.com/example/design-assistant/internal/session"
)

const defaultMaxUpload = 64 << 20

type Server struct {
	Registry *orchestrator.Registry
	Builds   *orchestrator.Coordinator
	Sessions *session.Manager
	// MaxUploadBytes caps one multipart request. Zero means 64MB.
	MaxUploadBytes int64
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("POST /tasks", s.createTask)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("POST /tasks/{id}/confirm", s.confirmStart)
	mux.HandleFunc("POST /tasks/{id}/parameters", s.updateParameters)
	mux.HandleFunc("POST /tasks/{id}/build", s.build)
	mux.HandleFunc("POST /tasks/{id}/finish", s.requestFinish)
	mux.HandleFunc("POST /tasks/{id}/finish/confirm", s.confirmFinish)
	mux.HandleFunc("POST /tasks/{id}/close", s.closeTask)
	mux.HandleFunc("POST /tasks/{id}/rename", s.rename)
	mux.HandleFunc("POST /tasks/{id}/uploads", s.upload)
	mux.HandleFunc("GET /tasks/{id}/uploads", s.listUploads)
	mux.HandleFunc("POST /tasks/{id}/uploads/clear", s.clearUploads)
	mux.HandleFunc("GET /tasks/{id}/outputs", s.listOutputs)
	mux.HandleFunc("GET /tasks/{id}/outputs.zip", s.outputsZip)
	mux.HandleFunc("GET /tasks/{id}/outputs/{name}", s.readOutput)
	mux.HandleFunc("GET /tasks/{id}/events", s.events)

	mux.HandleFunc("GET /tabs", s.listTabs)
	mux.HandleFunc("POST /tabs/{id}/switch", s.switchTab)
	mux.HandleFunc("POST /tabs/{id}/close", s.closeTab)
	mux.HandleFunc("POST /tabs/{id}/submit", s.submit)
	mux.HandleFunc("POST /tabs/{id}/answer", s.answer)
}

func (s *Server) limit() int { return s.Registry.Limiter().Ceiling() }

func statusFor(outcome string) int {
	switch outcome {
	case orchestrator.OutcomeOK:
		return http.StatusOK
	case orchestrator.OutcomeNotFound:
		return http.StatusNotFound
	case orchestrator.OutcomeInvalidState:
		return http.StatusConflict
	case orchestrator.OutcomeTaskGone:
		return http.StatusGone
	case orchestrator.OutcomeConcurrencyLimitExceeded:
		return http.StatusTooManyRequests
	case orchestrator.OutcomeValidationError:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respond writes {outcome, message, ...payload} for err.
func (s *Server) respond(w http.ResponseWriter, err error, message string, payload map[string]any) {
	outcome := orchestrator.Outcome(err)
	body := map[string]any{"outcome": outcome, "message": message}
	if err != nil {
		body["message"] = orchestrator.UserMessage(err, s.limit())
		var ve *orchestrator.ValidationError
		if errors.As(err, &ve) {
			body["problems"] = ve.Problems
		}
	}
	for k, v := range payload {
		body[k] = v
	}
	respondJSON(w, statusFor(outcome), body)
}

func badRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, map[string]any{"outcome": orchestrator.OutcomeValidationError, "message": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	s.respond(w, nil, "", map[string]any{"tasks": s.Registry.List()})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      models.TaskKind `json:"kind"`
		PanelName string          `json:"panel_name"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	task, err := s.Registry.Create(req.Kind, req.PanelName)
	if err != nil {
		s.respond(w, err, "", nil)
		return
	}
	gate := confirm.StartRequest(task.ID, task.Kind)
	s.respond(w, nil, gate.PromptText, map[string]any{"task": task, "pending": gate})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Registry.Get(r.PathValue("id"))
	s.respond(w, err, "", map[string]any{"task": task})
}

func (s *Server) confirmStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Yes bool `json:"yes"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	id := r.PathValue("id")
	if !req.Yes {
		// the unconfirmed task is left to expire
		s.respond(w, nil, "Okay, not started.", map[string]any{"task_id": id})
		return
	}
	task, err := s.Registry.ConfirmStart(id)
	s.respond(w, err, fmt.Sprintf("Started %s '%s'.", task.Kind.Label(), task.PanelName), map[string]any{"task": task})
}

func (s *Server) updateParameters(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source  models.Source            `json:"source"`
		Updates []models.ParameterUpdate `json:"updates"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Source == "" {
		req.Source = models.SourceText
	}
	changed, err := s.Registry.UpdateParameters(r.PathValue("id"), req.Updates, req.Source)
	s.respond(w, err, session.Acknowledge(req.Updates), map[string]any{"changed": changed})
}

func (s *Server) build(w http.ResponseWriter, r *http.Request) {
	// a build outlives a dropped client; only the task lifecycle stops it
	ctx := context.WithoutCancel(r.Context())
	set, err := s.Builds.Build(ctx, r.PathValue("id"))
	if err != nil {
		s.respond(w, err, "", nil)
		return
	}
	msg := fmt.Sprintf("Build ready: %d file(s).", len(set.Primary)+len(set.Advisory))
	s.respond(w, nil, msg, map[string]any{"artifacts": set})
}

func (s *Server) requestFinish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prompt, err := s.Registry.RequestFinish(id)
	if err != nil {
		s.respond(w, err, "", nil)
		return
	}
	s.respond(w, nil, prompt, map[string]any{"pending": confirm.FinishRequest(id, prompt, false)})
}

func (s *Server) confirmFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Yes bool `json:"yes"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	msg := "Okay, let's keep going."
	if req.Yes {
		msg = "Task finished. Its uploads and outputs were deleted."
	}
	s.respond(w, s.Registry.ConfirmFinish(r.PathValue("id"), req.Yes), msg, nil)
}

func (s *Server) closeTask(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.Registry.ForceClose(r.PathValue("id"), "closed"), "Task closed.", nil)
}

func (s *Server) rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PanelName string `json:"panel_name"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	task, err := s.Registry.Rename(r.PathValue("id"), req.PanelName)
	s.respond(w, err, fmt.Sprintf("Renamed to '%s'.", task.PanelName), map[string]any{"task": task})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		badRequest(w, fmt.Errorf("invalid multipart upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		badRequest(w, errors.New("no files in field \"files\""))
		return
	}
	var files []orchestrator.IncomingFile
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			badRequest(w, err)
			return
		}
		defer f.Close()
		files = append(files, orchestrator.IncomingFile{Name: fh.Filename, Body: f})
	}
	results, err := s.Builds.Ingest(r.Context(), r.PathValue("id"), files)
	ok := 0
	for _, res := range results {
		if res.OK {
			ok++
		}
	}
	s.respond(w, err, fmt.Sprintf("Read %d of %d file(s).", ok, len(files)), map[string]any{"files": results})
}

func (s *Server) listUploads(w http.ResponseWriter, r *http.Request) {
	files, err := s.Registry.Uploads(r.PathValue("id"))
	s.respond(w, err, "", map[string]any{"files": files})
}

func (s *Server) clearUploads(w http.ResponseWriter, r *http.Request) {
	n, err := s.Registry.ClearUploads(r.PathValue("id"))
	s.respond(w, err, fmt.Sprintf("Removed %d uploaded file(s).", n), map[string]any{"cleared": n})
}

func (s *Server) outputsZip(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.Registry.OutputsZip(id)
	if err != nil {
		s.respond(w, err, "", nil)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"_outputs.zip"))
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (s *Server) listOutputs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	files, err := s.Registry.Outputs(id)
	if err != nil {
		s.respond(w, err, "", nil)
		return
	}
	last, _ := s.Registry.LastBuild(id)
	s.respond(w, nil, "", map[string]any{"files": files, "last_build": last})
}

func (s *Server) readOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, err := s.Registry.OpenOutput(r.PathValue("id"), name)
	if err != nil {
		if !errors.Is(err, orchestrator.ErrNotFound) && !errors.Is(err, orchestrator.ErrInvalidState) {
			err = fmt.Errorf("%w: %v", orchestrator.ErrNotFound, err)
		}
		s.respond(w, err, "", nil)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.respond(w, fmt.Errorf("%w: %v", orchestrator.ErrInternal, err), "", nil)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// events streams a task's events as Server-Sent Events until the client
// goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.Registry.Get(id)
	if err != nil {
		s.respond(w, err, "", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respond(w, fmt.Errorf("%w: streaming unsupported", orchestrator.ErrInternal), "", nil)
		return
	}
	ch, unsubscribe := s.Registry.Hub().Subscribe(id)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	first, _ := json.Marshal(orchestrator.Event{Event: orchestrator.EventTaskState, TaskID: id, Payload: map[string]any{"state": task.State, "panel_name": task.PanelName}})
	fmt.Fprintf(w, "data: %s\n\n", first)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case b, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
			if finished(b) {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// finished reports whether an encoded hub event moved the task to
// Finished, after which nothing more is published for it.
func finished(b []byte) bool {
	var ev struct {
		Event   string `json:"event"`
		Payload struct {
			State models.TaskState `json:"state"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return false
	}
	return ev.Event == orchestrator.EventTaskState && ev.Payload.State == models.StateFinished
}

func (s *Server) listTabs(w http.ResponseWriter, r *http.Request) {
	tabs, active := s.Sessions.Tabs()
	s.respond(w, nil, "", map[string]any{"tabs": tabs, "active_tab_id": active})
}

func (s *Server) switchTab(w http.ResponseWriter, r *http.Request) {
	tab, err := s.Sessions.SwitchTo(r.PathValue("id"))
	if err != nil {
		s.tabError(w, err, session.Reply{})
		return
	}
	s.respond(w, nil, "", map[string]any{"tab": tab})
}

func (s *Server) closeTab(w http.ResponseWriter, r *http.Request) {
	reply, err := s.Sessions.Close(r.PathValue("id"))
	if err != nil {
		s.tabError(w, err, reply)
		return
	}
	s.reply(w, reply)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string `json:"text"`
		Voice bool   `json:"voice"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	reply, err := s.Sessions.Submit(r.Context(), r.PathValue("id"), req.Text, req.Voice)
	if err != nil {
		s.tabError(w, err, reply)
		return
	}
	s.reply(w, reply)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Yes bool `json:"yes"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	reply, err := s.Sessions.Answer(r.PathValue("id"), req.Yes)
	if err != nil {
		s.tabError(w, err, reply)
		return
	}
	s.reply(w, reply)
}

func (s *Server) reply(w http.ResponseWriter, reply session.Reply) {
	respondJSON(w, statusFor(reply.Outcome), reply)
}

func (s *Server) tabError(w http.ResponseWriter, err error, reply session.Reply) {
	switch {
	case errors.Is(err, session.ErrTabNotFound):
		respondJSON(w, http.StatusNotFound, map[string]any{"outcome": orchestrator.OutcomeNotFound, "message": "That tab does not exist."})
	case errors.Is(err, confirm.ErrNoPending), errors.Is(err, confirm.ErrWrongTab):
		respondJSON(w, http.StatusConflict, map[string]any{"outcome": orchestrator.OutcomeInvalidState, "message": reply.Message})
	default:
		log.Printf("api: tab operation: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"outcome": orchestrator.OutcomeInternalError, "message": "Something went wrong. Please try again."})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
