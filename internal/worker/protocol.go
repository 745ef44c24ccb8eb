// Package worker runs fact extraction in isolated worker processes.
//
// The coordinator and each worker speak newline-delimited JSON. The
// coordinator opens with a hello, the worker answers ready, then every
// extract request is answered by exactly one result with the same ID.
// A worker that crashes or stops answering costs the file it was working
// on, never the run.
package worker

import (
	"github.com/jward/symcache/internal/extract"
)

// MessageType tags each protocol line.
type MessageType string

const (
	TypeHello   MessageType = "hello"
	TypeReady   MessageType = "ready"
	TypeExtract MessageType = "extract"
	TypeResult  MessageType = "result"
)

// Hello configures a worker for one project.
type Hello struct {
	// SkipSchemaCheck is always set by the coordinator: schema checks and
	// rebuilds happen once, before any worker starts. Workers never open
	// the store and Serve refuses a hello without it.
	SkipSchemaCheck   bool   `json:"skip_schema_check"`
	IndexDependencies bool   `json:"index_dependencies"`
	ProjectRoot       string `json:"project_root"`
}

// Ready acknowledges a hello.
type Ready struct {
	PID int `json:"pid"`
}

// Request asks for the facts of one translation unit. Args are resolved by
// the coordinator.
type Request struct {
	ID       uint64   `json:"id"`
	Path     string   `json:"path"`
	Args     []string `json:"args"`
	Fallback bool     `json:"fallback,omitempty"`
}

// Result answers the Request with the same ID. Error is set when nothing
// usable was extracted.
type Result struct {
	ID    uint64         `json:"id"`
	Path  string         `json:"path"`
	Facts *extract.Facts `json:"facts,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Message is one protocol line; exactly one payload is set.
type Message struct {
	Type    MessageType `json:"type"`
	Hello   *Hello      `json:"hello,omitempty"`
	Ready   *Ready      `json:"ready,omitempty"`
	Request *Request    `json:"request,omitempty"`
	Result  *Result     `json:"result,omitempty"`
}
