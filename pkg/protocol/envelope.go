// Package protocol defines the wire contract between the gateway and its
// worker process: one JSON record per newline-terminated line on the worker's
// stdin (requests) and stdout (responses). Field names are part of the
// external contract and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates worker requests on the wire.
type Kind string

const (
	KindTask     Kind = "task"
	KindEvent    Kind = "event"
	KindAuth     Kind = "auth"
	KindShutdown Kind = "shutdown"
)

func (k Kind) valid() bool {
	switch k {
	case KindTask, KindEvent, KindAuth, KindShutdown:
		return true
	}
	return false
}

// RequestContext carries the HTTP request shape to workers that perform their
// own authentication/authorization.
type RequestContext struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// Request is the envelope written to the worker's stdin. TaskID/Input are set
// for task requests, EventID/Payload for event requests, Context for auth
// requests (and alongside task/event when auth is delegated to the worker).
type Request struct {
	ID      uint64          `json:"id"`
	Type    Kind            `json:"type"`
	TaskID  string          `json:"taskId,omitempty"`
	EventID string          `json:"eventId,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Context *RequestContext `json:"context,omitempty"`
}

// ErrorDetail is the structured failure a worker may attach to a response.
// Code/CodeName are optional; when present they pass through to HTTP clients
// verbatim.
type ErrorDetail struct {
	Message  string `json:"message"`
	Code     int    `json:"code,omitempty"`
	CodeName string `json:"codeName,omitempty"`
}

// Response is the envelope read from the worker's stdout. The worker must
// echo back the request id. Exactly one of Result/Error is meaningful,
// per OK.
type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

func NewTaskRequest(id uint64, taskID string, input json.RawMessage) Request {
	return Request{ID: id, Type: KindTask, TaskID: taskID, Input: input}
}

func NewEventRequest(id uint64, eventID string, payload json.RawMessage) Request {
	return Request{ID: id, Type: KindEvent, EventID: eventID, Payload: payload}
}

func NewAuthRequest(id uint64, rc RequestContext) Request {
	return Request{ID: id, Type: KindAuth, Context: &rc}
}

func NewShutdownRequest(id uint64) Request {
	return Request{ID: id, Type: KindShutdown}
}

func (r Request) validate() error {
	if !r.Type.valid() {
		return fmt.Errorf("unknown request type %q", r.Type)
	}
	switch r.Type {
	case KindTask:
		if r.TaskID == "" {
			return fmt.Errorf("task request %d missing taskId", r.ID)
		}
	case KindEvent:
		if r.EventID == "" {
			return fmt.Errorf("event request %d missing eventId", r.ID)
		}
	case KindAuth:
		if r.Context == nil {
			return fmt.Errorf("auth request %d missing context", r.ID)
		}
	}
	return nil
}
