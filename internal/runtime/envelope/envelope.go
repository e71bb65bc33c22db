// Package envelope holds the control-plane wire format shared by the
// runtime, the orchestrator and benchmarking clients.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/drblury/silverline/internal/runtime/ids"
	"github.com/drblury/silverline/internal/runtime/jsoncodec"
)

// Actions understood by the orchestrator.
const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionReset  = "reset"
	ActionEcho   = "echo"
)

// Type tags. Requests carry TypeRequest; the orchestrator answers a
// registration with TypeResponse.
const (
	TypeRequest  = "arts_req"
	TypeResponse = "arts_resp"
)

// Data type tags.
const (
	KindRuntime = "runtime"
	KindModule  = "module"
)

// Envelope is one control-plane message. Data is kept raw so the action
// decides how to decode it. An Envelope is never modified after Marshal.
type Envelope struct {
	ObjectID string          `json:"object_id"`
	Action   string          `json:"action"`
	Type     string          `json:"type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// New builds a request envelope with a fresh object id.
func New(action string, data any) (Envelope, error) {
	return newEnvelope(action, TypeRequest, data)
}

// NewUntyped builds an envelope without a type tag, the form used by the
// orchestrator's special topics (reset, echo).
func NewUntyped(action string, data any) (Envelope, error) {
	return newEnvelope(action, "", data)
}

func newEnvelope(action, typ string, data any) (Envelope, error) {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s data: %w", action, err)
	}
	return Envelope{
		ObjectID: ids.NewObjectID(),
		Action:   action,
		Type:     typ,
		Data:     raw,
	}, nil
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// DecodeData unmarshals the data block into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no data", e.ObjectID)
	}
	return jsoncodec.Unmarshal(e.Data, v)
}

// IsResponse reports whether the envelope is an orchestrator response.
func (e Envelope) IsResponse() bool {
	return e.Type == TypeResponse
}

// Parse decodes payload. Anything that is not a JSON object is an error;
// field presence is left to the caller.
func Parse(payload []byte) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// Runtime is the data block of a runtime create or delete.
type Runtime struct {
	Type        string   `json:"type"`
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	RuntimeType string   `json:"runtime_type,omitempty"`
	APIs        []string `json:"apis,omitempty"`
}

// Parent points a module at the runtime that should host it.
type Parent struct {
	UUID string `json:"uuid"`
}

// Resources is a SCHED_DEADLINE style reservation: Runtime ns of CPU time
// every Period ns.
type Resources struct {
	Period  int64 `json:"period"`
	Runtime int64 `json:"runtime"`
}

// Module is the data block of a module create.
type Module struct {
	Type      string     `json:"type"`
	Parent    *Parent    `json:"parent,omitempty"`
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	Filename  string     `json:"filename"`
	Filetype  string     `json:"filetype"`
	Args      []string   `json:"args"`
	Env       []string   `json:"env"`
	Resources *Resources `json:"resources,omitempty"`
}

// Ref identifies an object to delete.
type Ref struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

// Kind peeks at the "type" field of the data block so a control loop can
// tell runtime and module requests apart before decoding.
func (e Envelope) Kind() string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := jsoncodec.Unmarshal(e.Data, &probe); err != nil {
		return ""
	}
	return probe.Type
}
