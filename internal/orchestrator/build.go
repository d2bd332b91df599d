package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/example/design-assistant/internal/agents"
	"github.com/example/design-assistant/internal/config"
	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
	"github.com/example/design-assistant/internal/workspace"
)

// ReviewFile is the advisory artifact written when a review succeeds.
const ReviewFile = "review.json"

// Coordinator runs builds: validation, primary generation and advisory
// review against a snapshot captured when the build starts.
type Coordinator struct {
	Registry      *Registry
	Workspace     *workspace.Workspace
	Generator     agents.Generator
	Reviewer      agents.Reviewer // nil disables review
	Documents     *agents.DocumentExtractor
	Requirements  map[models.TaskKind][]config.FieldSpec
	ReviewTimeout time.Duration
}

// Build runs one build for an Active task.
//
// A build that overlaps a finish keeps running against its snapshot, but
// its files are only moved into the task when the task is still present at
// commit time; otherwise they are discarded and ErrTaskGone is returned.
func (c *Coordinator) Build(ctx context.Context, taskID string) (models.ArtifactSet, error) {
	kind, snap, err := c.Registry.beginBuild(taskID)
	if err != nil {
		return models.ArtifactSet{}, err
	}
	committed := false
	defer func() {
		if !committed {
			c.Registry.abortBuild(taskID)
		}
	}()

	if err := validateSnapshot(snap, c.Requirements[kind]); err != nil {
		log.Printf("build: task_id=%s validation failed: %v", taskID, err)
		return models.ArtifactSet{}, err
	}

	buildID := uuid.NewString()
	staging, err := c.Workspace.NewStaging(buildID)
	if err != nil {
		log.Printf("build: task_id=%s staging: %v", taskID, err)
		return models.ArtifactSet{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if _, err := c.generate(ctx, kind, snap, staging); err != nil {
		c.Workspace.Discard(staging)
		log.Printf("build: task_id=%s build_id=%s primary generation failed: %v", taskID, buildID, err)
		return models.ArtifactSet{}, &PrimaryGenerationError{Err: err}
	}

	set := models.ArtifactSet{BuildID: buildID, CreatedAt: time.Now().UTC()}
	set.Review = c.review(ctx, taskID, kind, snap)
	advisory := map[string]bool{}
	switch set.Review.Status {
	case models.ReviewOK:
		if err := writeReview(staging, set.Review); err != nil {
			log.Printf("build: task_id=%s write review: %v", taskID, err)
			set.Notes = append(set.Notes, "advisory review unavailable: could not store findings")
		} else {
			advisory[ReviewFile] = true
		}
	case models.ReviewUnavailable:
		set.Notes = append(set.Notes, "advisory review unavailable: "+set.Review.Reason)
	}

	committed = true
	set, err = c.Registry.commitBuild(taskID, staging, set, advisory)
	if err != nil {
		if errors.Is(err, ErrTaskGone) {
			log.Printf("build: task_id=%s build_id=%s discarded, task finished during build", taskID, buildID)
		}
		return models.ArtifactSet{}, err
	}
	log.Printf("build: task_id=%s build_id=%s primary=%d advisory=%d review=%s", taskID, buildID, len(set.Primary), len(set.Advisory), set.Review.Status)
	return set, nil
}

func (c *Coordinator) generate(ctx context.Context, kind models.TaskKind, snap params.Snapshot, dir string) ([]string, error) {
	if c.Generator == nil {
		return nil, errors.New("no generator configured")
	}
	files, err := c.Generator.Generate(ctx, kind, snap, dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("generator produced no files")
	}
	for _, f := range files {
		if f == ReviewFile {
			return nil, fmt.Errorf("generator wrote reserved file %s", f)
		}
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return nil, fmt.Errorf("generator reported %s but did not write it", f)
		}
	}
	return files, nil
}

// review never fails the build: errors, panics and timeouts all become an
// Unavailable outcome.
func (c *Coordinator) review(ctx context.Context, taskID string, kind models.TaskKind, snap params.Snapshot) models.ReviewOutcome {
	if c.Reviewer == nil {
		return models.ReviewOutcome{Status: models.ReviewSkipped}
	}
	timeout := c.ReviewTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		findings []models.Finding
		summary  string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("reviewer panic: %v", p)}
			}
		}()
		f, s, err := c.Reviewer.Review(rctx, kind, snap)
		done <- result{findings: f, summary: s, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			log.Printf("build: task_id=%s advisory review unavailable: %v", taskID, res.err)
			return models.ReviewUnavailableBecause(res.err.Error())
		}
		return models.ReviewOk(res.findings, res.summary)
	case <-rctx.Done():
		log.Printf("build: task_id=%s advisory review unavailable: %v", taskID, rctx.Err())
		return models.ReviewUnavailableBecause("review timed out")
	}
}

func writeReview(dir string, out models.ReviewOutcome) error {
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ReviewFile), b, 0o644)
}
