package controlapi

import "encoding/json"

const ServiceName = "sandboxd.v1.SandboxService"

const (
	StartProcedure   = "/" + ServiceName + "/Start"
	StopProcedure    = "/" + ServiceName + "/Stop"
	SuspendProcedure = "/" + ServiceName + "/Suspend"
	RestoreProcedure = "/" + ServiceName + "/Restore"
	StatusProcedure  = "/" + ServiceName + "/Status"
	LogsProcedure    = "/" + ServiceName + "/Logs"
	ListProcedure    = "/" + ServiceName + "/List"
	ExecuteProcedure = "/" + ServiceName + "/Execute"
)

// JSONCodec carries the plain Go request and response structs over Connect.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
