package extract

import (
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/symcache/internal/store"
)

// arity is the range of argument counts a function accepts.
type arity struct {
	min, max int
	variadic bool
}

func (a arity) accepts(n int) bool {
	return n >= a.min && (a.variadic || n <= a.max)
}

// pendingCall is a call expression awaiting callee resolution.
type pendingCall struct {
	file      *parsedFile
	caller    store.Symbol
	name      string
	qualifier string
	member    bool
	args      int
	line, col int
}

// collectCalls records every call expression inside body.
func (w *walker) collectCalls(body *sitter.Node, caller store.Symbol) {
	if caller.USR == "" {
		return
	}
	var visit func(*sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "call_expression" {
			w.addCall(n, caller)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(body)
}

func (w *walker) addCall(n *sitter.Node, caller store.Symbol) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	call := pendingCall{file: w.f, caller: caller}
	switch fn.Type() {
	case "identifier", "qualified_identifier", "template_function":
		quals, name, _ := w.declName(fn)
		call.name = name
		call.qualifier = strings.Join(quals, "::")
	case "field_expression":
		field := fn.ChildByFieldName("field")
		if field == nil {
			return
		}
		_, name, _ := w.declName(field)
		call.name = name
		call.member = true
	default:
		return
	}
	if call.name == "" {
		return
	}
	if args := n.ChildByFieldName("arguments"); args != nil {
		for i := 0; i < int(args.NamedChildCount()); i++ {
			if args.NamedChild(i).Type() != "comment" {
				call.args++
			}
		}
	}
	pt := n.StartPoint()
	call.line, call.col = int(pt.Row)+1, int(pt.Column)+1
	w.u.calls = append(w.u.calls, call)
}

type candidate struct {
	usr       string
	qualified string
	parent    string
	namespace string
}

// resolveCalls binds each pending call to the best matching function of
// the unit: qualifier and argument count filter the candidates, then
// members of the caller's class and functions of the caller's namespace
// are preferred. Calls with no candidate are outside the unit and dropped.
func (u *unit) resolveCalls() {
	byName := make(map[string][]candidate)
	seen := make(map[string]bool)
	for _, f := range u.files {
		for _, s := range f.facts.Symbols {
			if (s.Kind != store.KindFunction && s.Kind != store.KindMethod) || seen[s.USR] {
				continue
			}
			seen[s.USR] = true
			byName[s.Name] = append(byName[s.Name], candidate{
				usr:       s.USR,
				qualified: stripTemplateArgs(s.QualifiedName),
				parent:    s.ParentUSR,
				namespace: s.Namespace,
			})
		}
	}
	for name := range byName {
		sort.Slice(byName[name], func(i, j int) bool { return byName[name][i].usr < byName[name][j].usr })
	}

	for _, c := range u.calls {
		callee, ok := u.bestCandidate(c, byName[c.name])
		if !ok {
			continue
		}
		c.file.facts.CallSites = append(c.file.facts.CallSites, store.CallSite{
			CallerUSR: c.caller.USR,
			CalleeUSR: callee,
			File:      c.file.path,
			Line:      c.line,
			Column:    c.col,
		})
	}
}

func (u *unit) bestCandidate(c pendingCall, cands []candidate) (string, bool) {
	var filtered []candidate
	for _, cand := range cands {
		if c.qualifier != "" && !qualifiedSuffix(cand.qualified, stripTemplateArgs(c.qualifier)+"::"+c.name) {
			continue
		}
		filtered = append(filtered, cand)
	}
	if len(filtered) == 0 {
		return "", false
	}

	var fitting []candidate
	for _, cand := range filtered {
		if ar, ok := u.arity[cand.usr]; !ok || ar.accepts(c.args) {
			fitting = append(fitting, cand)
		}
	}
	if len(fitting) > 0 {
		filtered = fitting
	}

	best, bestScore := "", -1
	for _, cand := range filtered {
		score := 0
		if c.member && cand.parent != "" {
			score += 2
		}
		if c.caller.ParentUSR != "" && cand.parent == c.caller.ParentUSR {
			score += 4
		}
		if cand.namespace == c.caller.Namespace {
			score++
		}
		if score > bestScore {
			best, bestScore = cand.usr, score
		}
	}
	return best, true
}

// qualifiedSuffix reports whether want matches the trailing "::"
// components of qualified.
func qualifiedSuffix(qualified, want string) bool {
	if qualified == want {
		return true
	}
	return strings.HasSuffix(qualified, "::"+want)
}

// fillAccess copies the access of an in-class declaration onto out-of-line
// definitions of the same member.
func (u *unit) fillAccess() {
	access := make(map[string]store.Access)
	for _, f := range u.files {
		for _, s := range f.facts.Symbols {
			if s.Access != store.AccessNone {
				access[s.USR] = s.Access
			}
		}
	}
	for _, f := range u.files {
		for i := range f.facts.Symbols {
			s := &f.facts.Symbols[i]
			if s.ParentUSR != "" && s.Access == store.AccessNone {
				s.Access = access[s.USR]
			}
		}
	}
}
