package events

import (
	"time"
)

// Event is the base interface for all events published on the bus.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants. The presentation layer subscribes per topic; the core
// only publishes.
const (
	TopicTask     = "task"     // task state mutations
	TopicLog      = "log"      // human-readable run log
	TopicArtifact = "artifact" // artifacts produced by reasoning loops
	TopicAgent    = "agent"    // dynamically spawned agent identities
)

// Event type constants
const (
	EventTypeTaskUpdated     = "task.updated"
	EventTypeLog             = "log.entry"
	EventTypeArtifactCreated = "artifact.created"
	EventTypeAgentSpawned    = "agent.spawned"
)

// LogStatus classifies a log event.
type LogStatus string

const (
	LogInfo    LogStatus = "INFO"
	LogSuccess LogStatus = "SUCCESS"
	LogError   LogStatus = "ERROR"
	LogWarn    LogStatus = "WARN"
)

// LogEvent is one line of the run log.
type LogEvent struct {
	Status    LogStatus
	Message   string
	Task      string // owning task ID, empty for run-level entries
	Timestamp time.Time
}

func (e LogEvent) EventType() string { return EventTypeLog }
func (e LogEvent) TaskID() string    { return e.Task }

// ArtifactCreatedEvent is published when a reasoning loop produces a named
// artifact.
type ArtifactCreatedEvent struct {
	Task      string
	Title     string
	Type      string // "code", "markdown", "preview"
	Content   string
	Timestamp time.Time
}

func (e ArtifactCreatedEvent) EventType() string { return EventTypeArtifactCreated }
func (e ArtifactCreatedEvent) TaskID() string    { return e.Task }

// AgentSpawnedEvent is published when a delegation registers a new agent
// identity.
type AgentSpawnedEvent struct {
	ID           string
	Name         string
	Instructions string
	Task         string // task the new agent owns
	Timestamp    time.Time
}

func (e AgentSpawnedEvent) EventType() string { return EventTypeAgentSpawned }
func (e AgentSpawnedEvent) TaskID() string    { return e.Task }
