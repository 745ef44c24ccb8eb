package store

import "time"

// Kind is the closed set of symbol kinds the index understands.
type Kind string

const (
	KindNamespace Kind = "namespace"
	KindClass     Kind = "class"
	KindStruct    Kind = "struct"
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNamespace, KindClass, KindStruct, KindFunction, KindMethod:
		return true
	}
	return false
}

// ParseKind converts a user-supplied kind filter. Returns false for unknown kinds.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, k.Valid()
}

// TemplateKind distinguishes a template's primary declaration from its
// specializations.
type TemplateKind string

const (
	TemplateNone                  TemplateKind = "none"
	TemplatePrimary               TemplateKind = "primary"
	TemplatePartialSpecialization TemplateKind = "partial_specialization"
	TemplateFullSpecialization    TemplateKind = "full_specialization"
)

// Access is the member visibility inside a class.
type Access string

const (
	AccessNone      Access = ""
	AccessPublic    Access = "public"
	AccessProtected Access = "protected"
	AccessPrivate   Access = "private"
)

// Symbol is one declaration fact. The store keeps one row per (USR, File);
// ID is the row id and is only meaningful inside one store.
type Symbol struct {
	ID            int64        `json:"-"`
	USR           string       `json:"usr"`
	Name          string       `json:"name"`
	QualifiedName string       `json:"qualified_name"`
	Namespace     string       `json:"namespace,omitempty"`
	Kind          Kind         `json:"kind"`
	TemplateKind  TemplateKind `json:"template_kind,omitempty"`
	File          string       `json:"file"`
	Line          int          `json:"line"`
	Column        int          `json:"column"`
	EndLine       int          `json:"end_line"`
	EndColumn     int          `json:"end_column"`
	Signature     string       `json:"signature,omitempty"`
	ParentUSR     string       `json:"parent_usr,omitempty"`
	BaseClasses   []string     `json:"base_classes,omitempty"`
	Access        Access       `json:"access,omitempty"`
	IsDefinition  bool         `json:"is_definition"`
	IsProject     bool         `json:"is_project"`
	IsVirtual     bool         `json:"is_virtual,omitempty"`
	IsStatic      bool         `json:"is_static,omitempty"`
	IsConst       bool         `json:"is_const,omitempty"`
	Doc           string       `json:"doc,omitempty"`
}

// FileRecord is the per-file bookkeeping used by change detection.
// ContentHash only ever reflects the last successful extraction.
type FileRecord struct {
	Path             string
	ContentHash      string
	ArgsHash         string
	LastExtracted    time.Time
	SymbolCount      int
	IsHeader         bool
	UsedFallbackArgs bool
}

// DependencyEdge is a directed include edge. Depth is 1 for direct includes.
type DependencyEdge struct {
	Includer string `json:"includer"`
	Included string `json:"included"`
	Depth    int    `json:"depth"`
}

// CallSite records one call from CallerUSR to CalleeUSR at a location in File.
type CallSite struct {
	CallerUSR string `json:"caller_usr"`
	CalleeUSR string `json:"callee_usr"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
}

// ExtractionFailure is kept for files whose last extraction failed outright.
type ExtractionFailure struct {
	Path        string
	Error       string
	Attempts    int
	LastAttempt time.Time
}

// Direction selects the side of a call edge or dependency closure.
type Direction int

const (
	// Callers / dependents: edges pointing at the subject.
	Incoming Direction = iota
	// Callees / dependencies: edges leaving the subject.
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Stats summarizes the store contents.
type Stats struct {
	Files     int
	Headers   int
	Symbols   int
	Edges     int
	CallSites int
	Failures  int
}
