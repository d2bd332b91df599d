package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/design-assistant/internal/agents"
	"github.com/example/design-assistant/internal/config"
	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
	"github.com/example/design-assistant/internal/tools"
)

type fakeReviewer struct {
	findings []models.Finding
	err      error
	delay    time.Duration
	panics   bool
}

func (f *fakeReviewer) Review(ctx context.Context, kind models.TaskKind, snap params.Snapshot) ([]models.Finding, string, error) {
	if f.panics {
		panic("reviewer exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return f.findings, "checked", f.err
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, kind models.TaskKind, snap params.Snapshot, dir string) ([]string, error) {
	os.WriteFile(filepath.Join(dir, "half.csv"), []byte("partial"), 0o644)
	return nil, errors.New("template missing")
}

func newCoordinator(t *testing.T, reviewer agents.Reviewer) *Coordinator {
	t.Helper()
	r := newTestRegistry(t, 2)
	return &Coordinator{
		Registry:      r,
		Workspace:     r.ws,
		Generator:     &agents.ScheduleGenerator{},
		Reviewer:      reviewer,
		Requirements:  config.DefaultRequirements(),
		ReviewTimeout: time.Second,
	}
}

func validPanel(t *testing.T, c *Coordinator) string {
	t.Helper()
	id := activeTask(t, c.Registry, "LP-1")
	_, err := c.Registry.UpdateParameters(id, []models.ParameterUpdate{
		{Key: "voltage", Value: "208Y/120V"},
		{Key: "phase", Value: "3"},
		{Key: "wire", Value: 4},
		{Key: "main_bus_amps", Value: 225},
		{Key: "main_breaker", Value: "400A"},
	}, models.SourceText)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestBuild_PrimaryAndAdvisory(t *testing.T) {
	c := newCoordinator(t, &agents.RulesReviewer{})
	id := validPanel(t, c)

	set, err := c.Build(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Primary) != 2 || len(set.Advisory) != 1 || set.Advisory[0].Name != ReviewFile {
		t.Fatalf("set = %+v", set)
	}
	if set.Review.Status != models.ReviewOK || len(set.Review.Findings) == 0 {
		t.Fatalf("review = %+v", set.Review)
	}
	outs, _ := c.Registry.Outputs(id)
	if len(outs) != 3 {
		t.Fatalf("outputs = %+v", outs)
	}
	f, err := c.Registry.OpenOutput(id, ReviewFile)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(f)
	f.Close()
	if !strings.Contains(string(b), "critical") {
		t.Fatalf("review file = %s", b)
	}
	if last, _ := c.Registry.LastBuild(id); last == nil || last.BuildID != set.BuildID {
		t.Fatalf("last build = %+v", last)
	}
}

func TestBuild_AdvisoryFailureIsNotFatal(t *testing.T) {
	cases := map[string]*fakeReviewer{
		"error":   {err: errors.New("model unavailable")},
		"timeout": {delay: time.Minute},
		"panic":   {panics: true},
	}
	for name, rv := range cases {
		t.Run(name, func(t *testing.T) {
			c := newCoordinator(t, rv)
			c.ReviewTimeout = 50 * time.Millisecond
			id := validPanel(t, c)
			set, err := c.Build(context.Background(), id)
			if err != nil {
				t.Fatalf("build failed: %v", err)
			}
			if len(set.Primary) != 2 || len(set.Advisory) != 0 {
				t.Fatalf("set = %+v", set)
			}
			if set.Review.Status != models.ReviewUnavailable || len(set.Notes) != 1 || !strings.HasPrefix(set.Notes[0], "advisory review unavailable") {
				t.Fatalf("review=%+v notes=%v", set.Review, set.Notes)
			}
		})
	}
}

func TestBuild_ValidationProducesNothing(t *testing.T) {
	c := newCoordinator(t, nil)
	id := activeTask(t, c.Registry, "")
	c.Registry.UpdateParameters(id, []models.ParameterUpdate{
		{Key: "phase", Value: "2"},
		{Key: "number_of_ckts", Value: 41},
	}, models.SourceText)

	_, err := c.Build(context.Background(), id)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
	want := "main_bus_amps,number_of_ckts,phase,voltage"
	if got := strings.Join(ve.Keys(), ","); got != want {
		t.Fatalf("keys = %s, want %s", got, want)
	}
	if outs, _ := c.Registry.Outputs(id); len(outs) != 0 {
		t.Fatalf("outputs = %+v", outs)
	}
	if c.Registry.BuildInProgress(id) {
		t.Fatal("build still marked in flight")
	}
}

func TestBuild_PrimaryFailureKeepsTaskUsable(t *testing.T) {
	c := newCoordinator(t, nil)
	c.Generator = failingGenerator{}
	id := validPanel(t, c)

	_, err := c.Build(context.Background(), id)
	var pe *PrimaryGenerationError
	if !errors.As(err, &pe) || Outcome(err) != OutcomePrimaryGenerationError {
		t.Fatalf("err = %v", err)
	}
	if outs, _ := c.Registry.Outputs(id); len(outs) != 0 {
		t.Fatalf("partial artifacts kept: %+v", outs)
	}
	entries, _ := os.ReadDir(filepath.Join(c.Workspace.Root(), ".staging"))
	if len(entries) != 0 {
		t.Fatalf("staging not cleaned: %d entries", len(entries))
	}

	c.Generator = &agents.ScheduleGenerator{}
	if _, err := c.Build(context.Background(), id); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestBuild_RequiresActive(t *testing.T) {
	c := newCoordinator(t, nil)
	id := validPanel(t, c)
	c.Registry.RequestFinish(id)
	if _, err := c.Build(context.Background(), id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
	c.Registry.ConfirmFinish(id, true)
	if _, err := c.Build(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

type gatedGenerator struct {
	inner   agents.Generator
	started chan struct{}
	release chan struct{}
}

func (g *gatedGenerator) Generate(ctx context.Context, kind models.TaskKind, snap params.Snapshot, dir string) ([]string, error) {
	close(g.started)
	<-g.release
	return g.inner.Generate(ctx, kind, snap, dir)
}

func TestBuild_UsesSnapshotTakenAtStart(t *testing.T) {
	c := newCoordinator(t, nil)
	gen := &gatedGenerator{inner: &agents.ScheduleGenerator{}, started: make(chan struct{}), release: make(chan struct{})}
	c.Generator = gen
	id := validPanel(t, c)

	done := make(chan error, 1)
	go func() {
		_, err := c.Build(context.Background(), id)
		done <- err
	}()
	<-gen.started
	c.Registry.UpdateParameters(id, []models.ParameterUpdate{{Key: "main_bus_amps", Value: 350}}, models.SourceText)
	close(gen.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	f, err := c.Registry.OpenOutput(id, "panel_schedule_spec.json")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(f)
	f.Close()
	if !strings.Contains(string(b), "225") || strings.Contains(string(b), "350") {
		t.Fatalf("spec did not come from the start snapshot:\n%s", b)
	}
}

func TestBuild_FinishDuringBuildDiscardsArtifacts(t *testing.T) {
	c := newCoordinator(t, nil)
	gen := &gatedGenerator{inner: &agents.ScheduleGenerator{}, started: make(chan struct{}), release: make(chan struct{})}
	c.Generator = gen
	id := validPanel(t, c)

	done := make(chan error, 1)
	go func() {
		_, err := c.Build(context.Background(), id)
		done <- err
	}()
	<-gen.started
	if _, err := c.Registry.RequestFinish(id); err != nil {
		t.Fatal(err)
	}
	if err := c.Registry.ConfirmFinish(id, true); err != nil {
		t.Fatal(err)
	}
	close(gen.release)

	err := <-done
	if !errors.Is(err, ErrTaskGone) || Outcome(err) != OutcomeTaskGone {
		t.Fatalf("err = %v", err)
	}
	if c.Workspace.Exists(id) {
		t.Fatal("task directory recreated")
	}
	entries, _ := os.ReadDir(filepath.Join(c.Workspace.Root(), ".staging"))
	if len(entries) != 0 {
		t.Fatalf("staging not cleaned: %d entries", len(entries))
	}
}

func TestIngest_PerFileResults(t *testing.T) {
	c := newCoordinator(t, nil)
	c.Documents = &agents.DocumentExtractor{Registry: tools.NewDefaultRegistry()}
	id := activeTask(t, c.Registry, "")

	results, err := c.Ingest(context.Background(), id, []IncomingFile{
		{Name: "specs.csv", Body: strings.NewReader("key,value\nvoltage,480Y/277V\nmain_bus_amps,400\n")},
		{Name: ".hidden", Body: strings.NewReader("x")},
		{Name: "photo.jpg", Body: strings.NewReader("\xff\xd8\xff")},
		{Name: "notes.txt", Body: strings.NewReader("3 phase 4 wire")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %+v", results)
	}
	ok := map[string]bool{}
	for _, r := range results {
		ok[r.Name] = r.OK
	}
	if !ok["specs.csv"] || ok[".hidden"] || ok["photo.jpg"] || !ok["notes.txt"] {
		t.Fatalf("results = %+v", results)
	}
	task, _ := c.Registry.Get(id)
	if task.Parameters["voltage"].Source != models.SourceExtraction || task.Parameters["wire"].Value != 4 {
		t.Fatalf("parameters = %+v", task.Parameters)
	}
	if len(task.UploadedFiles) != 3 {
		t.Fatalf("uploads = %+v", task.UploadedFiles)
	}
}

func TestBuild_UnavailableReviewDropsEarlierFindings(t *testing.T) {
	c := newCoordinator(t, &agents.RulesReviewer{})
	id := validPanel(t, c)
	if _, err := c.Build(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	c.Reviewer = &fakeReviewer{err: errors.New("down")}
	set, err := c.Build(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Advisory) != 0 || set.Review.Status != models.ReviewUnavailable {
		t.Fatalf("set = %+v", set)
	}
	outs, _ := c.Registry.Outputs(id)
	for _, o := range outs {
		if o.Kind == models.ArtifactAdvisory || o.Name == ReviewFile {
			t.Fatalf("stale advisory output listed: %+v", outs)
		}
	}
	if len(outs) != 2 {
		t.Fatalf("outputs = %+v", outs)
	}
	if _, err := c.Registry.OpenOutput(id, ReviewFile); !errors.Is(err, ErrNotFound) {
		t.Fatalf("OpenOutput(review.json) err = %v", err)
	}

	c.Reviewer = &agents.RulesReviewer{}
	set, err = c.Build(context.Background(), id)
	if err != nil || len(set.Advisory) != 1 {
		t.Fatalf("set=%+v err=%v", set, err)
	}
	if outs, _ := c.Registry.Outputs(id); len(outs) != 3 {
		t.Fatalf("outputs = %+v", outs)
	}
}

func TestOutputsZip_CurrentOutputs(t *testing.T) {
	c := newCoordinator(t, &agents.RulesReviewer{})
	id := validPanel(t, c)

	b, err := c.Registry.OutputsZip(id)
	if err != nil {
		t.Fatal(err)
	}
	if zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b))); err != nil || len(zr.File) != 0 {
		t.Fatalf("empty archive: err=%v", err)
	}

	if _, err := c.Build(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	b, err = c.Registry.OutputsZip(id)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == ReviewFile {
			rc, _ := f.Open()
			body, _ := io.ReadAll(rc)
			rc.Close()
			if !strings.Contains(string(body), `"status": "ok"`) {
				t.Fatalf("review.json = %s", body)
			}
		}
	}
	outs, _ := c.Registry.Outputs(id)
	if len(names) != len(outs) || len(names) != 3 {
		t.Fatalf("entries = %v outputs = %+v", names, outs)
	}

	c.Registry.ForceClose(id, "closed")
	if _, err := c.Registry.OutputsZip(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after close err = %v", err)
	}
}
