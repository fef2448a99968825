package controlapi

import "time"

type LifecycleRequest struct{}

type LifecycleResponse struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Message    string `json:"message"`
}

type StatusRequest struct{}

type StatusResponse struct {
	InstanceID string     `json:"instance_id"`
	State      string     `json:"state"`
	Running    bool       `json:"running"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	BundleDir  string     `json:"bundle_dir,omitempty"`
	PGID       int        `json:"pgid,omitempty"`
	Message    string     `json:"message"`
}

type LogsRequest struct{}

type LogsResponse struct {
	Lines []string `json:"lines"`
}

type ListRequest struct{}

type ListResponse struct {
	Output string `json:"output"`
}

type ExecuteRequest struct {
	Payload []byte `json:"payload"`
}

type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	ExitCode    int    `json:"exit_code"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}
