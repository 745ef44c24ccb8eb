package main

import (
	"github.com/jward/symcache"
	"github.com/jward/symcache/internal/store"
)

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command     string   `json:"command"`
	Results     any      `json:"results"`
	Suggestions []string `json:"suggestions,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// CLISymbol is a JSON-friendly symbol representation.
type CLISymbol struct {
	USR           string   `json:"usr"`
	Name          string   `json:"name"`
	QualifiedName string   `json:"qualified_name"`
	Kind          string   `json:"kind"`
	TemplateKind  string   `json:"template_kind,omitempty"`
	Access        string   `json:"access,omitempty"`
	Signature     string   `json:"signature,omitempty"`
	File          string   `json:"file"`
	Line          int      `json:"line"`
	Col           int      `json:"col"`
	EndLine       int      `json:"end_line"`
	EndCol        int      `json:"end_col"`
	ParentUSR     string   `json:"parent_usr,omitempty"`
	BaseClasses   []string `json:"base_classes,omitempty"`
	Definition    bool     `json:"definition"`
	Modifiers     []string `json:"modifiers,omitempty"`
	Doc           string   `json:"doc,omitempty"`
}

// CLISymbolDetail adds the declaration site and members to CLISymbol.
type CLISymbolDetail struct {
	CLISymbol
	DeclFile string      `json:"decl_file,omitempty"`
	DeclLine int         `json:"decl_line,omitempty"`
	Members  []CLISymbol `json:"members"`
}

// CLICallSite is a JSON-friendly call site.
type CLICallSite struct {
	CallerUSR string `json:"caller_usr"`
	CalleeUSR string `json:"callee_usr"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Col       int    `json:"col"`
}

// CLIStoreStats is a JSON-friendly view of the store row counts.
type CLIStoreStats struct {
	Sources   int `json:"sources"`
	Headers   int `json:"headers"`
	Symbols   int `json:"symbols"`
	Includes  int `json:"include_edges"`
	CallSites int `json:"call_sites"`
	Failures  int `json:"failures"`
}

// CLIStatus is the status command's result.
type CLIStatus struct {
	symcache.Status
	Store CLIStoreStats `json:"store"`
}

func symbolToCLI(s symcache.Symbol) CLISymbol {
	var mods []string
	if s.IsVirtual {
		mods = append(mods, "virtual")
	}
	if s.IsStatic {
		mods = append(mods, "static")
	}
	if s.IsConst {
		mods = append(mods, "const")
	}
	return CLISymbol{
		USR:           s.USR,
		Name:          s.Name,
		QualifiedName: s.QualifiedName,
		Kind:          string(s.Kind),
		TemplateKind:  string(s.TemplateKind),
		Access:        string(s.Access),
		Signature:     s.Signature,
		File:          s.File,
		Line:          s.Line,
		Col:           s.Column,
		EndLine:       s.EndLine,
		EndCol:        s.EndColumn,
		ParentUSR:     s.ParentUSR,
		BaseClasses:   s.BaseClasses,
		Definition:    s.IsDefinition,
		Modifiers:     mods,
		Doc:           s.Doc,
	}
}

func symbolsToCLI(syms []symcache.Symbol) []CLISymbol {
	out := make([]CLISymbol, 0, len(syms))
	for _, s := range syms {
		out = append(out, symbolToCLI(s))
	}
	return out
}

func detailToCLI(d *symcache.SymbolDetail) CLISymbolDetail {
	return CLISymbolDetail{
		CLISymbol: symbolToCLI(d.Symbol),
		DeclFile:  d.DeclFile,
		DeclLine:  d.DeclLine,
		Members:   symbolsToCLI(d.Members),
	}
}

func callSitesToCLI(sites []symcache.CallSite) []CLICallSite {
	out := make([]CLICallSite, 0, len(sites))
	for _, cs := range sites {
		out = append(out, CLICallSite{
			CallerUSR: cs.CallerUSR,
			CalleeUSR: cs.CalleeUSR,
			File:      cs.File,
			Line:      cs.Line,
			Col:       cs.Column,
		})
	}
	return out
}

func statsToCLI(s store.Stats) CLIStoreStats {
	return CLIStoreStats{
		Sources:   s.Files,
		Headers:   s.Headers,
		Symbols:   s.Symbols,
		Includes:  s.Edges,
		CallSites: s.CallSites,
		Failures:  s.Failures,
	}
}
