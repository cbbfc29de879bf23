// Package events defines what the engine broadcasts to observers and what
// observers may send back.
package events

import (
	"encoding/json"
	"time"
)

// Type names an outbound event.
type Type string

const (
	TypeStarted           Type = "started"
	TypeProgress          Type = "progress"
	TypeFileTransferred   Type = "file-transferred"
	TypeFileSkipped       Type = "file-skipped"
	TypeNothingToTransfer Type = "nothing-to-transfer"
	TypeComplete          Type = "complete"
	TypeError             Type = "error"
	TypeStopped           Type = "stopped"
	TypeLog               Type = "log"
)

// Terminal reports whether the event ends a run.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeStopped
}

// Event is the envelope sent to every observer.
type Event struct {
	Type    Type        `json:"type"`
	JobID   string      `json:"jobId"`
	RunID   string      `json:"runId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"time"`
}

// New creates an untagged event; the broadcaster fills in JobID.
func New(t Type, payload interface{}) Event {
	return Event{Type: t, Payload: payload, Time: time.Now().UTC()}
}

// Progress is one progress sample. It is never persisted.
type Progress struct {
	Percentage       int    `json:"percentage"`
	Transferred      string `json:"transferred"`
	Total            string `json:"total"`
	TransferredBytes int64  `json:"transferredBytes"`
	TotalBytes       int64  `json:"totalBytes"`
	CurrentFile      string `json:"currentFile,omitempty"`
	Speed            string `json:"speed,omitempty"`
	ETA              string `json:"eta,omitempty"`
}

// File names a file that was copied or skipped.
type File struct {
	Name string `json:"name"`
}

// Log carries a raw output line the parser did not classify.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Started is sent once the subprocess has been launched.
type Started struct {
	RunID      string    `json:"runId"`
	Path       string    `json:"path"`
	Source     string    `json:"source"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"startedAt"`
	TotalBytes int64     `json:"totalBytes,omitempty"`
}

// Finished is the payload of complete, error and stopped.
type Finished struct {
	RunID            string    `json:"runId"`
	Status           string    `json:"status"`
	FilesTransferred int64     `json:"filesTransferred"`
	FilesSkipped     int64     `json:"filesSkipped"`
	TotalBytes       int64     `json:"totalBytes"`
	Path             string    `json:"path"`
	Error            string    `json:"error,omitempty"`
	CompletedAt      time.Time `json:"completedAt"`
}

// Command types accepted from observers.
const (
	CommandStart = "start"
	CommandStop  = "stop"
	CommandPing  = "ping"
)

// Command is an inbound observer message.
type Command struct {
	Type      string          `json:"type"`
	JobID     string          `json:"jobId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Reply is the direct response to the observer that issued a command.
type Reply struct {
	Type      string   `json:"type"` // start-response, stop-response, pong
	RequestID string   `json:"requestId,omitempty"`
	JobID     string   `json:"jobId,omitempty"`
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	RunID     string   `json:"runId,omitempty"`
	Stopped   []string `json:"stopped,omitempty"`
}

// ReplyType returns the response type for a command type.
func ReplyType(commandType string) string {
	if commandType == CommandPing {
		return "pong"
	}
	return commandType + "-response"
}
