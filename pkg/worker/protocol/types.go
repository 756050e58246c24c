// Package protocol defines the JSON-lines protocol spoken between the pint
// launcher and its worker processes, and between worker ranks over TCP.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker is ready to receive an assignment
	MessageTypeReady MessageType = "READY"
	// MessageTypeAssign carries the rank assignment from the launcher
	MessageTypeAssign MessageType = "ASSIGN"
	// MessageTypeEvent indicates a progress event from the worker
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeResult carries the outcome of a finished rank
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
	// MessageTypeHello opens a peer link between two ranks
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeData carries one point-to-point envelope between ranks
	MessageTypeData MessageType = "DATA"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the worker is ready to receive an assignment.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AssignMessage tells a worker which rank it plays and how to reach its peers.
type AssignMessage struct {
	RunID   string          `json:"run_id"`
	Rank    int             `json:"rank"`
	Peers   []string        `json:"peers"`
	Config  json.RawMessage `json:"config"`
	Timeout int             `json:"timeout"` // seconds, 0 = none
}

// EventMessage contains progress information while a rank runs.
type EventMessage struct {
	RunID    string            `json:"run_id"`
	Rank     int               `json:"rank"`
	Level    string            `json:"level"` // info, warn, debug
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResultMessage reports a finished rank.
type ResultMessage struct {
	RunID    string        `json:"run_id"`
	Rank     int           `json:"rank"`
	TimeEnd  float64       `json:"time_end"`
	EndValue []byte        `json:"end_value"`
	Blocks   []BlockResult `json:"blocks"`
	Duration float64       `json:"duration"` // seconds
}

// BlockResult summarizes one block the rank took part in.
type BlockResult struct {
	Index       int     `json:"index"`
	Slot        int     `json:"slot"`
	Window      int     `json:"window"`
	TimeStart   float64 `json:"time_start"`
	TimeEnd     float64 `json:"time_end"`
	Iterations  int     `json:"iterations"`
	Residual    float64 `json:"residual"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	RunID   string            `json:"run_id,omitempty"`
	Rank    int               `json:"rank"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// HelloMessage is the first message on a peer link.
type HelloMessage struct {
	RunID string `json:"run_id"`
	Rank  int    `json:"rank"`
	Size  int    `json:"size"`
}

// DataMessage is one tagged point-to-point message between ranks.
type DataMessage struct {
	Context string `json:"ctx"`
	Source  int    `json:"src"`
	Tag     int    `json:"tag"`
	Payload []byte `json:"payload,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeAssign, MessageTypeEvent,
		MessageTypeResult, MessageTypeError, MessageTypeExit,
		MessageTypeHello, MessageTypeData:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the assignment is usable.
func (a *AssignMessage) Validate() error {
	if a.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if len(a.Peers) == 0 {
		return fmt.Errorf("at least one peer address is required")
	}
	if a.Rank < 0 || a.Rank >= len(a.Peers) {
		return fmt.Errorf("rank %d out of range for %d peers", a.Rank, len(a.Peers))
	}
	if len(a.Config) == 0 {
		return fmt.Errorf("config is required")
	}
	if a.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	switch evt.Level {
	case "":
		evt.Level = "info"
	case "info", "warn", "debug":
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Validate checks if the hello message is valid.
func (h *HelloMessage) Validate() error {
	if h.Size <= 0 {
		return fmt.Errorf("world size must be positive")
	}
	if h.Rank < 0 || h.Rank >= h.Size {
		return fmt.Errorf("rank %d out of range for size %d", h.Rank, h.Size)
	}
	return nil
}
