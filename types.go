package symcache

import (
	"github.com/jward/symcache/internal/project"
	"github.com/jward/symcache/internal/store"
)

// Public type aliases for internal types used in the Engine API. These are
// Go type aliases (=), identical to the internal types at compile time.

type Symbol = store.Symbol
type Kind = store.Kind
type TemplateKind = store.TemplateKind
type Access = store.Access
type FileRecord = store.FileRecord
type CallSite = store.CallSite
type DependencyEdge = store.DependencyEdge
type Direction = store.Direction
type ProjectIdentity = project.Identity

const (
	KindNamespace = store.KindNamespace
	KindClass     = store.KindClass
	KindStruct    = store.KindStruct
	KindFunction  = store.KindFunction
	KindMethod    = store.KindMethod
)

const (
	// Incoming selects callers, or for dependency closures the files that
	// include the subject.
	Incoming = store.Incoming
	// Outgoing selects callees, or the files the subject includes.
	Outgoing = store.Outgoing
)

// SymbolDetail is a symbol with its members and, when the symbol is both
// declared and defined, the location of the other declaration.
type SymbolDetail struct {
	Symbol
	DeclFile string   `json:"decl_file,omitempty"`
	DeclLine int      `json:"decl_line,omitempty"`
	Members  []Symbol `json:"members,omitempty"`
}

// RefreshMode selects between an incremental and a full refresh.
type RefreshMode int

const (
	RefreshIncremental RefreshMode = iota
	// RefreshFull re-extracts every source file. It must be acknowledged
	// with AcknowledgeFullRebuild.
	RefreshFull
)

func (m RefreshMode) String() string {
	if m == RefreshFull {
		return "full"
	}
	return "incremental"
}

// State is the orchestrator state of the active project.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading_index" // BeginIndexing is streaming cached symbols into memory
	StateScanning   State = "scanning_changes"
	StateExtracting State = "extracting"
	StateMerging    State = "merging"
	StateError      State = "error"
)
