package provider

import (
	"context"
	"encoding/json"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// PollResult is one observation of an external job. Output is the raw result
// payload and is only meaningful once Status is StatusSucceeded.
type PollResult struct {
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r PollResult) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

type GenerationProvider interface {
	Submit(ctx context.Context, input json.RawMessage) (string, error)
	Poll(ctx context.Context, providerJobId string) (PollResult, error)
}
