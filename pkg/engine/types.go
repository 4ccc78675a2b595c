package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/openfroyo/reshard/pkg/status"
	"github.com/openfroyo/reshard/pkg/stores"
)

// Plan is the durable record of one resharding operation.
// The store's etag travels beside the document, never inside it.
type Plan struct {
	// ID is assigned at creation and never changes.
	ID string `json:"id"`

	// Shard is the shard being split.
	Shard string `json:"shard"`

	// SplitCount is the number of shards the source is split into.
	SplitCount int `json:"split_count"`

	// ServerList holds the servers that will host the new peers.
	ServerList []string `json:"server_list"`

	// Active is false once the plan has been archived.
	Active bool `json:"active"`

	// Completed is true once the last phase has finished.
	Completed bool `json:"completed"`

	// Phase is the current phase, or nil before the first dispatch.
	Phase *string `json:"phase"`

	// Hold is set when a phase reported an operator-actionable error.
	Hold *Hold `json:"hold"`

	// Props is the phases' resumability journal. Values are strings or float64.
	Props map[string]interface{} `json:"props"`

	// Tuning holds operator-adjustable numeric knobs.
	Tuning map[string]float64 `json:"tuning"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// PhaseName returns the current phase, or "" before the first dispatch.
func (p *Plan) PhaseName() string {
	if p.Phase == nil {
		return ""
	}
	return *p.Phase
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := *p
	out.ServerList = append([]string(nil), p.ServerList...)
	if p.Phase != nil {
		phase := *p.Phase
		out.Phase = &phase
	}
	if p.Hold != nil {
		out.Hold = p.Hold.clone()
	}
	out.Props = make(map[string]interface{}, len(p.Props))
	for k, v := range p.Props {
		out.Props[k] = v
	}
	out.Tuning = make(map[string]float64, len(p.Tuning))
	for k, v := range p.Tuning {
		out.Tuning[k] = v
	}
	return &out
}

// Hold is the diagnostic record persisted when a plan is put on hold.
type Hold struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Info    map[string]interface{} `json:"info,omitempty"`
	Trace   string                 `json:"trace,omitempty"`
	Phase   string                 `json:"phase,omitempty"`
	Time    time.Time              `json:"time"`
}

func (h *Hold) clone() *Hold {
	out := *h
	if h.Info != nil {
		out.Info = make(map[string]interface{}, len(h.Info))
		for k, v := range h.Info {
			out.Info[k] = v
		}
	}
	return &out
}

// PanicError wraps a value recovered from a panicking phase.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("phase panicked: %v", e.Value)
}

// newHold builds a diagnostic record from err. The kind is the EngineError
// code when there is one, otherwise the Go type of the error.
func newHold(err error, phase string, now time.Time) *Hold {
	h := &Hold{
		Kind:    errorKind(err),
		Message: err.Error(),
		Phase:   phase,
		Time:    now,
	}

	var ee *EngineError
	if errors.As(err, &ee) && len(ee.Details) > 0 {
		h.Info = make(map[string]interface{}, len(ee.Details))
		for k, v := range ee.Details {
			// Keep the record encodable whatever the phase attached.
			if _, err := json.Marshal(v); err != nil {
				v = fmt.Sprintf("%v", v)
			}
			h.Info[k] = v
		}
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		h.Trace = string(pe.Stack)
	} else {
		h.Trace = string(debug.Stack())
	}
	return h
}

func errorKind(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	return strings.TrimPrefix(reflect.TypeOf(err).String(), "*")
}

// normalizeProp converts a prop value to one of the stored scalar types.
func normalizeProp(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, fmt.Errorf("unsupported prop value type %T", v)
	}
}

func finite(f float64) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("prop value %v is not a finite number", f)
	}
	return f, nil
}

// CreateOptions are the inputs to CreatePlan.
type CreateOptions struct {
	Shard      string   `json:"shard" validate:"required,hostname_rfc1123"`
	SplitCount int      `json:"split_count" validate:"eq=2"`
	ServerList []string `json:"server_list" validate:"required,min=1,dive,uuid"`
}

// PlanView is the administrative view of a plan: the stored document plus
// the in-memory run state.
type PlanView struct {
	Plan

	// Held is true when Hold is set; Error then carries the record.
	Held bool `json:"held"`

	// Retrying is part of the admin contract but not populated.
	Retrying bool `json:"retrying"`

	// Running is true while a dispatch is in flight.
	Running bool `json:"running"`

	// Paused is true when a pause is pending or in effect.
	Paused  bool   `json:"paused"`
	PauseAt string `json:"pause_at,omitempty"`

	Error  *Hold            `json:"error,omitempty"`
	Status *status.Snapshot `json:"status,omitempty"`
}

// planToRecord encodes a plan into a store record.
func planToRecord(p *Plan) (*stores.PlanRecord, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan %s: %w", p.ID, err)
	}
	return &stores.PlanRecord{
		ID:        p.ID,
		Shard:     p.Shard,
		Active:    p.Active,
		Completed: p.Completed,
		Document:  data,
	}, nil
}

// sameDocument reports whether two encoded plans hold the same JSON value.
// Stores may re-encode documents (Postgres JSONB reorders keys), so bytes
// are compared first and values second.
func sameDocument(a, b []byte) (bool, error) {
	if bytes.Equal(a, b) {
		return true, nil
	}
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false, err
	}
	return reflect.DeepEqual(va, vb), nil
}

// planFromRecord decodes a store record.
func planFromRecord(rec *stores.PlanRecord) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(rec.Document, &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", rec.ID, err)
	}
	if p.Props == nil {
		p.Props = make(map[string]interface{})
	}
	if p.Tuning == nil {
		p.Tuning = make(map[string]float64)
	}
	return &p, nil
}
