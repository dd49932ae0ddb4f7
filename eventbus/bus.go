// Package eventbus fans run-lifecycle events out to live in-process
// observers. Events are ephemeral: a run with no subscribers drops them.
package eventbus

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStatus      EventType = "status"
	EventAgent       EventType = "agent"
	EventTest        EventType = "test"
	EventPatch       EventType = "patch"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
	EventActivity    EventType = "activity"
	EventDiagnostics EventType = "diagnostics"
)

// Event is one run-lifecycle message. Data is type-specific and opaque to
// the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId"`
	Data      any       `json:"data,omitempty"`
}

type Callback func(Event)

type subscription struct {
	id int
	fn Callback
}

// Bus is a process-local publish/subscribe hub partitioned by run id. It
// provides no cross-instance fan-out.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]subscription
	nextID      int
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
	}
}

// Subscribe registers fn for events of runID and returns an unsubscribe
// function. Callbacks for a run fire in registration order.
func (bus *Bus) Subscribe(runID string, fn Callback) func() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.nextID++
	id := bus.nextID

	bus.subscribers[runID] = append(bus.subscribers[runID], subscription{id: id, fn: fn})

	return func() {
		bus.mu.Lock()
		defer bus.mu.Unlock()

		subs := bus.subscribers[runID]
		for k, sub := range subs {
			if sub.id == id {
				bus.subscribers[runID] = append(subs[:k:k], subs[k+1:]...)
				break
			}
		}

		if len(bus.subscribers[runID]) == 0 {
			delete(bus.subscribers, runID)
		}
	}
}

// Emit delivers event to every subscriber of event.RunID, synchronously
// and in registration order.
func (bus *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.Lock()
	subs := make([]subscription, len(bus.subscribers[event.RunID]))
	copy(subs, bus.subscribers[event.RunID])
	bus.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

// SubscriberCount reports the live subscriber count for a run.
func (bus *Bus) SubscriberCount(runID string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	return len(bus.subscribers[runID])
}

func (bus *Bus) emit(runID string, eventType EventType, data any) {
	bus.Emit(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      data,
	})
}

// StatusData reports a run status transition.
type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (bus *Bus) EmitStatus(runID, status, message string) {
	bus.emit(runID, EventStatus, StatusData{Status: status, Message: message})
}

// AgentData reports an agent starting or finishing a pipeline stage.
type AgentData struct {
	Agent  string `json:"agent"`
	Action string `json:"action"`
}

func (bus *Bus) EmitAgent(runID, agent, action string) {
	bus.emit(runID, EventAgent, AgentData{Agent: agent, Action: action})
}

// TestData reports the outcome of a single test step.
type TestData struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

func (bus *Bus) EmitTest(runID, name string, passed bool, detail string) {
	bus.emit(runID, EventTest, TestData{Name: name, Passed: passed, Detail: detail})
}

// PatchData reports a generated or applied patch.
type PatchData struct {
	File        string `json:"file"`
	Description string `json:"description,omitempty"`
	Applied     bool   `json:"applied"`
}

func (bus *Bus) EmitPatch(runID, file, description string, applied bool) {
	bus.emit(runID, EventPatch, PatchData{File: file, Description: description, Applied: applied})
}

// CompleteData reports the final outcome of a run.
type CompleteData struct {
	Success    bool `json:"success"`
	Iterations int  `json:"iterations"`
}

func (bus *Bus) EmitComplete(runID string, success bool, iterations int) {
	bus.emit(runID, EventComplete, CompleteData{Success: success, Iterations: iterations})
}

// ErrorData reports a pipeline error.
type ErrorData struct {
	Error string `json:"error"`
}

func (bus *Bus) EmitError(runID string, err error) {
	bus.emit(runID, EventError, ErrorData{Error: err.Error()})
}

func (bus *Bus) EmitActivity(runID, line string) {
	bus.emit(runID, EventActivity, line)
}

func (bus *Bus) EmitDiagnostics(runID string, data map[string]any) {
	bus.emit(runID, EventDiagnostics, data)
}
