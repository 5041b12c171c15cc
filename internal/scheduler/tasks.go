// Package scheduler runs the pipeline's background sweeps on asynq: settling
// unmatched call records, merging late duplicates and pruning finished jobs.
package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskSettleUnmatched = "calls.settle_unmatched"

const TaskMergeDuplicates = "calls.merge_duplicates"

const TaskCleanupCompletedJobs = "jobs.cleanup_completed"

// Tasks lists every maintenance task type the worker serves.
var Tasks = []string{TaskSettleUnmatched, TaskMergeDuplicates, TaskCleanupCompletedJobs}

// SweepPayload records who asked for a sweep, for the worker's log line.
type SweepPayload struct {
	TriggeredBy string `json:"triggeredBy"`
}

func NewSweepTask(taskType string, payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func ParseSweepPayload(task *asynq.Task) (SweepPayload, error) {
	var payload SweepPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SweepPayload{}, err
	}
	return payload, nil
}

func knownTask(taskType string) bool {
	for _, t := range Tasks {
		if t == taskType {
			return true
		}
	}
	return false
}
