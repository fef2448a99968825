package client

import "github.com/buildkite/sandboxd/internal/controlapi"

type LifecycleResponse = controlapi.LifecycleResponse
type StatusResponse = controlapi.StatusResponse
type LogsResponse = controlapi.LogsResponse
type ListResponse = controlapi.ListResponse
type ExecuteResponse = controlapi.ExecuteResponse

// State names reported in LifecycleResponse.State and StatusResponse.State.
const (
	StateAbsent    = "absent"
	StateStarting  = "starting"
	StateRunning   = "running"
	StateSuspended = "suspended"
	StateStopping  = "stopping"
)
