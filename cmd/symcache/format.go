package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/jward/symcache"
)

// formatSymbolsText formats CLISymbol results as aligned columns.
func formatSymbolsText(w io.Writer, syms []CLISymbol) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tFILE\tLINE\tUSR")
	for _, s := range syms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.QualifiedName, s.Kind, s.File, s.Line, s.USR)
	}
	tw.Flush()
}

func formatDetailText(w io.Writer, d CLISymbolDetail) {
	fmt.Fprintf(w, "%s (%s)\n", d.QualifiedName, d.Kind)
	fmt.Fprintf(w, "USR: %s\n", d.USR)
	if d.Signature != "" {
		fmt.Fprintf(w, "Signature: %s\n", d.Signature)
	}
	fmt.Fprintf(w, "Location: %s:%d:%d\n", d.File, d.Line, d.Col)
	if d.DeclFile != "" {
		fmt.Fprintf(w, "Declared: %s:%d\n", d.DeclFile, d.DeclLine)
	}
	if len(d.BaseClasses) > 0 {
		fmt.Fprintf(w, "Bases: %s\n", strings.Join(d.BaseClasses, ", "))
	}
	if d.Doc != "" {
		fmt.Fprintf(w, "\n%s\n", d.Doc)
	}
	if len(d.Members) > 0 {
		fmt.Fprintln(w)
		formatSymbolsText(w, d.Members)
	}
}

// formatCallSitesText formats CLICallSite results as "file:line:col" lines.
func formatCallSitesText(w io.Writer, sites []CLICallSite) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATION\tCALLER\tCALLEE")
	for _, cs := range sites {
		fmt.Fprintf(tw, "%s:%d:%d\t%s\t%s\n", cs.File, cs.Line, cs.Col, cs.CallerUSR, cs.CalleeUSR)
	}
	tw.Flush()
}

func formatStatusText(w io.Writer, st symcache.Status) {
	fmt.Fprintf(w, "Project: %s (%s)\n", st.Project.Root, st.Project.Hash)
	fmt.Fprintf(w, "State: %s\n", st.State)
	if st.RunID != "" {
		fmt.Fprintf(w, "Last run: %s (%s)\n", st.RunID, st.Mode)
	}
	fmt.Fprintf(w, "Progress: %d/%d (%.0f%%)\n", st.Done, st.Total, st.Percent)
	fmt.Fprintf(w, "Extracted: %d, failed: %d, partial: %d, fallback args: %d\n",
		st.Succeeded, st.Failed, st.Partial, st.FallbackArgs)
	c := st.Changes
	fmt.Fprintf(w, "Changes: +%d ~%d -%d, headers ~%d -%d, expanded %d\n",
		c.Added, c.Modified, c.Deleted, c.ModifiedHeaders, c.DeletedHeaders, c.Expanded)
	fmt.Fprintf(w, "Index: %d symbols in %d files\n", st.IndexedSymbols, st.IndexedFiles)
	if st.Cancelled {
		fmt.Fprintln(w, "Run was cancelled")
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Error: %s\n", st.LastError)
	}
	if st.NeedsFullRefresh {
		fmt.Fprintf(w, "Full refresh needed: %s\n", st.NeedsFullRefreshReason)
	}
	for _, fe := range st.Errors {
		fmt.Fprintf(w, "  %s: [%s] %s\n", fe.Path, fe.Kind, fe.Message)
	}
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(w io.Writer, result CLIResult) error {
	switch v := result.Results.(type) {
	case []CLISymbol:
		formatSymbolsText(w, v)
	case CLISymbolDetail:
		formatDetailText(w, v)
	case []CLICallSite:
		formatCallSitesText(w, v)
	case symcache.Status:
		formatStatusText(w, v)
	case CLIStatus:
		formatStatusText(w, v.Status)
		s := v.Store
		fmt.Fprintf(w, "Store: %d sources, %d headers, %d symbols, %d include edges, %d call sites, %d failures\n",
			s.Sources, s.Headers, s.Symbols, s.Includes, s.CallSites, s.Failures)
	case []string:
		for _, line := range v {
			fmt.Fprintln(w, line)
		}
	case nil:
		// No output for nil results (e.g., unknown USR).
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	if len(result.Suggestions) > 0 {
		fmt.Fprintf(w, "\nDid you mean: %s?\n", strings.Join(result.Suggestions, ", "))
	}
	return nil
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	if slices.Contains(validFormats, format) {
		return nil
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
