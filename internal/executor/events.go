package executor

import (
	"sync/atomic"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

// EventSink receives executor events. Implementations must not block;
// slow sinks should buffer or drop internally.
type EventSink interface {
	Emit(models.Event)
}

// nopSink discards events.
type nopSink struct{}

func (nopSink) Emit(models.Event) {}

// Emitter assigns monotonically increasing sequence numbers to events and
// stamps them with the task identity. Event delivery is never fatal.
type Emitter struct {
	sink   EventSink
	taskID string
	seq    atomic.Uint64
}

// NewEmitter creates an emitter for one task. A nil sink discards.
func NewEmitter(sink EventSink, taskID string) *Emitter {
	if sink == nil {
		sink = nopSink{}
	}
	return &Emitter{sink: sink, taskID: taskID}
}

// Emit sends a task-scoped event.
func (e *Emitter) Emit(typ models.EventType, payload map[string]any) {
	e.EmitStep(typ, "", payload)
}

// EmitStep sends a step-scoped event.
func (e *Emitter) EmitStep(typ models.EventType, stepID string, payload map[string]any) {
	e.sink.Emit(models.Event{
		Type:     typ,
		Time:     time.Now(),
		Sequence: e.seq.Add(1),
		TaskID:   e.taskID,
		StepID:   stepID,
		Payload:  payload,
	})
}

// Sequence returns the last assigned sequence number.
func (e *Emitter) Sequence() uint64 {
	return e.seq.Load()
}
