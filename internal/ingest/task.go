package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType discriminates queue task payloads.
type TaskType string

// Task types dispatched through the queue.
const (
	TaskCrawlFetch   TaskType = "crawl_fetch"
	TaskRouteContent TaskType = "route_content"
	TaskPipelineStep TaskType = "pipeline_step"
)

// Task is one unit of asynchronous work. Payload is a JSON-encoded
// type-specific struct; Delay defers execution (politeness spacing).
type Task struct {
	Type      TaskType      `json:"type"`
	Payload   []byte        `json:"payload"`
	Delay     time.Duration `json:"delay,omitempty"`
	Queue     string        `json:"queue,omitempty"`
	Attempt   int           `json:"attempt"`
	Submitted int64         `json:"submitted"`
}

// CrawlFetchPayload identifies the entry a crawl_fetch task operates on.
type CrawlFetchPayload struct {
	CrawlID string `json:"crawl_id"`
	EntryID string `json:"entry_id"`
}

// RouteContentPayload identifies the fetched URL a route_content task routes.
type RouteContentPayload struct {
	CrawlID      string `json:"crawl_id"`
	EntryID      string `json:"entry_id"`
	CrawledURLID string `json:"crawled_url_id"`
	AgentID      string `json:"agent_id"`
}

// PipelineStepPayload identifies one document step execution.
type PipelineStepPayload struct {
	DocumentID string `json:"document_id"`
	StepIndex  int    `json:"step_index"`
}

// NewTask marshals the payload into a Task of the given type.
func NewTask(taskType TaskType, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return Task{Type: taskType, Payload: data}, nil
}

// DecodePayload unmarshals the task payload into out.
func (t Task) DecodePayload(out any) error {
	if err := json.Unmarshal(t.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}
