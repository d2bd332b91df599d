package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/example/design-assistant/internal/agents"
	"github.com/example/design-assistant/internal/models"
)

// IncomingFile is one file of an upload batch.
type IncomingFile struct {
	Name string
	Body io.Reader
}

// Ingest stores each file under the task's uploads and runs document
// extraction on it. Every file gets its own result; a failed file never
// stops the rest of the batch. Extracted parameters are applied with source
// extraction. An error is returned only when the task itself is unusable.
func (c *Coordinator) Ingest(ctx context.Context, taskID string, files []IncomingFile) ([]agents.FileResult, error) {
	results := make([]agents.FileResult, 0, len(files))
	for _, f := range files {
		ref, err := c.Registry.AddUpload(taskID, f.Name, f.Body)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				results = append(results, agents.FileResult{Name: f.Name, Error: ve.Error()})
				continue
			}
			return results, err
		}
		if c.Documents == nil {
			results = append(results, agents.FileResult{Name: ref.Name, OK: true})
			continue
		}
		path, err := c.Registry.UploadPath(taskID, ref.Name)
		if err != nil {
			return results, err
		}
		res := c.Documents.Extract(ctx, ref.Name, path)
		if !res.OK {
			log.Printf("upload: task_id=%s file=%s extraction failed: %s", taskID, ref.Name, res.Error)
			results = append(results, res)
			continue
		}
		if updates := res.Updates(); len(updates) > 0 {
			if _, err := c.Registry.UpdateParameters(taskID, updates, models.SourceExtraction); err != nil {
				return append(results, res), err
			}
		}
		log.Printf("upload: task_id=%s file=%s keys=%d", taskID, ref.Name, len(res.Keys))
		results = append(results, res)
	}
	return results, nil
}
