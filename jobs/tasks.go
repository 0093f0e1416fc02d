package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/marginscout/marginscout/internal/imports"
)

const (
	// QueueSubmit carries spreadsheet parsing and job submission.
	QueueSubmit = "submit"
	// QueueLookup carries one marketplace lookup per product.
	QueueLookup = "lookup"
	// QueueMaintenance carries periodic housekeeping.
	QueueMaintenance = "maintenance"
)

const (
	// TaskImportParse parses an uploaded file and submits its job.
	TaskImportParse = "import:parse"
	// TaskPriceLookup resolves the market price of one product.
	TaskPriceLookup = "price:lookup"
	// TaskCachePurge drops lookup cache entries older than the TTL.
	TaskCachePurge = "cache:purge"
	// TaskFinalizeSweep finalizes processing jobs whose products all finished.
	TaskFinalizeSweep = "imports:finalize-sweep"
)

// FinalizeSweepPayload bounds one sweep run.
type FinalizeSweepPayload struct {
	Limit int `json:"limit"`
}

// NewImportParseTask builds the parse task for an uploaded file.
func NewImportParseTask(req imports.ParseRequest) (*asynq.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskImportParse, body, asynq.Queue(QueueSubmit), asynq.MaxRetry(5)), nil
}

// NewPriceLookupTask builds the lookup task for one product. The task id makes
// repeated scheduling of the same product collapse into one pending task.
func NewPriceLookupTask(req imports.LookupRequest) (*asynq.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPriceLookup, body,
		asynq.Queue(QueueLookup),
		asynq.TaskID(LookupTaskID(req)),
	), nil
}

// LookupTaskID is the deduplication key of a lookup task.
func LookupTaskID(req imports.LookupRequest) string {
	return fmt.Sprintf("lookup:%d:%d", req.JobID, req.ProductID)
}

// NewCachePurgeTask builds the periodic cache purge.
func NewCachePurgeTask() *asynq.Task {
	return asynq.NewTask(TaskCachePurge, nil, asynq.Queue(QueueMaintenance))
}

// NewFinalizeSweepTask builds the periodic finalize sweep.
func NewFinalizeSweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(FinalizeSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFinalizeSweep, body, asynq.Queue(QueueMaintenance)), nil
}
