package extract

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/symcache/internal/store"
)

const (
	rootUSR       = "c:"
	anonNamespace = "(anonymous namespace)"
)

// scopeInfo describes a namespace or class that qualified names can be
// resolved against.
type scopeInfo struct {
	usr       string
	kind      store.Kind
	qualified string
	namespace string
}

// scope is one level of the walker's nesting stack.
type scope struct {
	scopeInfo
	access store.Access
}

func (s scope) isRecord() bool {
	return s.kind == store.KindClass || s.kind == store.KindStruct
}

// templateInfo marks a declaration nested in a template; empty is set for
// the template<> of an explicit specialization.
type templateInfo struct {
	empty bool
}

// walker extracts the declarations of one file. With scopesOnly set it
// only records namespaces and classes into the unit's scope table.
type walker struct {
	u          *unit
	f          *parsedFile
	scopesOnly bool
	stack      []scope
	syms       []store.Symbol
	byUSR      map[string]int
}

func newWalker(u *unit, f *parsedFile, scopesOnly bool) *walker {
	return &walker{
		u:          u,
		f:          f,
		scopesOnly: scopesOnly,
		stack:      []scope{{scopeInfo: scopeInfo{usr: rootUSR}}},
		byUSR:      make(map[string]int),
	}
}

func (w *walker) top() *scope { return &w.stack[len(w.stack)-1] }

func (w *walker) push(s scope) { w.stack = append(w.stack, s) }

func (w *walker) pop() { w.stack = w.stack[:len(w.stack)-1] }

func (w *walker) walk(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.visit(n.NamedChild(i))
	}
}

func (w *walker) visit(n *sitter.Node) {
	switch n.Type() {
	case "namespace_definition":
		w.namespace(n)
	case "class_specifier":
		w.record(n, n, store.KindClass, nil)
	case "struct_specifier":
		w.record(n, n, store.KindStruct, nil)
	case "function_definition":
		w.function(n, n, nil)
	case "declaration", "field_declaration":
		w.declaration(n, n, nil)
	case "template_declaration":
		w.template(n)
	case "access_specifier":
		if top := w.top(); top.isRecord() {
			top.access = store.Access(strings.TrimSpace(strings.TrimSuffix(w.text(n), ":")))
		}
	case "linkage_specification", "declaration_list",
		"preproc_if", "preproc_ifdef", "preproc_else", "preproc_elif", "preproc_elifdef":
		w.walk(n)
	}
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.f.src)
}

// emit adds sym, keeping one row per USR per file with definitions winning.
func (w *walker) emit(sym store.Symbol) {
	if i, ok := w.byUSR[sym.USR]; ok {
		if sym.IsDefinition && !w.syms[i].IsDefinition {
			w.syms[i] = sym
		}
		return
	}
	w.byUSR[sym.USR] = len(w.syms)
	w.syms = append(w.syms, sym)
}

// base fills the location and provenance fields shared by every kind.
func (w *walker) base(n, outer *sitter.Node) store.Symbol {
	start, end := n.StartPoint(), n.EndPoint()
	return store.Symbol{
		File:         w.f.path,
		Line:         int(start.Row) + 1,
		Column:       int(start.Column) + 1,
		EndLine:      int(end.Row) + 1,
		EndColumn:    int(end.Column) + 1,
		TemplateKind: store.TemplateNone,
		IsProject:    w.f.project,
		Doc:          docComment(outer, w.f.src),
	}
}

func (w *walker) namespace(n *sitter.Node) {
	parent := *w.top()
	nameNode := n.ChildByFieldName("name")
	body := n.ChildByFieldName("body")

	if nameNode == nil {
		usr := parent.usr + "@aN"
		if parent.usr == rootUSR {
			usr = rootUSR + filepath.Base(w.f.path) + "@aN"
		}
		qualified := joinQualified(parent.qualified, anonNamespace)
		w.push(scope{scopeInfo: scopeInfo{usr: usr, kind: store.KindNamespace, qualified: qualified, namespace: qualified}})
		if body != nil {
			w.walk(body)
		}
		w.pop()
		return
	}

	// namespace a::b { } opens one scope per component.
	parts := strings.Split(strings.ReplaceAll(w.text(nameNode), " ", ""), "::")
	for _, name := range parts {
		if name == "" {
			continue
		}
		cur := *w.top()
		info := scopeInfo{
			usr:       cur.usr + "@N@" + name,
			kind:      store.KindNamespace,
			qualified: joinQualified(cur.qualified, name),
		}
		info.namespace = info.qualified
		if w.scopesOnly {
			w.u.scopes[info.qualified] = info
		} else {
			sym := w.base(n, n)
			sym.USR = info.usr
			sym.Name = name
			sym.QualifiedName = info.qualified
			sym.Namespace = cur.namespace
			sym.Kind = store.KindNamespace
			sym.Signature = "namespace " + info.qualified
			sym.IsDefinition = true
			w.emit(sym)
		}
		w.push(scope{scopeInfo: info})
	}
	if body != nil {
		w.walk(body)
	}
	for _, name := range parts {
		if name != "" {
			w.pop()
		}
	}
}

// record handles class and struct specifiers. outer is the node that
// carries the leading comment and signature start (a template or
// declaration wrapping n).
func (w *walker) record(n, outer *sitter.Node, kind store.Kind, tmpl *templateInfo) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	body := n.ChildByFieldName("body")
	parent := *w.top()

	name, targs := w.typeName(nameNode)
	tk := store.TemplateNone
	seg := "@S@" + name
	switch {
	case tmpl != nil && tmpl.empty:
		tk = store.TemplateFullSpecialization
		seg = "@S@" + name + targs
	case tmpl != nil && targs != "":
		tk = store.TemplatePartialSpecialization
		seg = "@SP@" + name + targs
	case tmpl != nil:
		tk = store.TemplatePrimary
		seg = "@ST@" + name
	case targs != "":
		seg = "@S@" + name + targs
	}

	info := scopeInfo{
		usr:       parent.usr + seg,
		kind:      kind,
		qualified: joinQualified(parent.qualified, name+targs),
		namespace: parent.namespace,
	}

	if w.scopesOnly {
		if _, ok := w.u.scopes[info.qualified]; !ok || body != nil {
			w.u.scopes[info.qualified] = info
		}
	} else {
		sym := w.base(n, outer)
		sym.USR = info.usr
		sym.Name = name
		sym.QualifiedName = info.qualified
		sym.Namespace = parent.namespace
		sym.Kind = kind
		sym.TemplateKind = tk
		sym.Signature = signature(outer, body, w.f.src)
		sym.BaseClasses = w.baseClasses(n)
		sym.IsDefinition = body != nil
		if parent.isRecord() {
			sym.ParentUSR = parent.usr
			sym.Access = parent.access
		}
		w.emit(sym)
	}

	if body == nil {
		return
	}
	access := store.AccessPrivate
	if kind == store.KindStruct {
		access = store.AccessPublic
	}
	w.push(scope{scopeInfo: info, access: access})
	w.walk(body)
	w.pop()
}

// typeName splits a class name node into its name and, for template
// specializations, the normalized argument list.
func (w *walker) typeName(n *sitter.Node) (string, string) {
	switch n.Type() {
	case "template_type":
		name := n.ChildByFieldName("name")
		args := n.ChildByFieldName("arguments")
		if name != nil && args != nil {
			return w.text(name), normalizeType(w.text(args))
		}
	case "qualified_type_identifier":
		if name := n.ChildByFieldName("name"); name != nil {
			return w.typeName(name)
		}
	}
	return w.text(n), ""
}

func (w *walker) baseClasses(n *sitter.Node) []string {
	var bases []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		if clause.Type() != "base_class_clause" {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			c := clause.NamedChild(j)
			switch c.Type() {
			case "access_specifier", "virtual", "comment":
				continue
			}
			bases = append(bases, normalizeType(w.text(c)))
		}
	}
	return bases
}

func (w *walker) template(n *sitter.Node) {
	params := n.ChildByFieldName("parameters")
	tmpl := &templateInfo{empty: params == nil || params.NamedChildCount() == 0}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "class_specifier":
			w.record(c, n, store.KindClass, tmpl)
		case "struct_specifier":
			w.record(c, n, store.KindStruct, tmpl)
		case "function_definition":
			w.function(c, n, tmpl)
		case "declaration", "field_declaration":
			w.declaration(c, n, tmpl)
		case "template_declaration":
			w.template(c)
		}
	}
}

// declaration handles declarations and class members: a class specifier in
// type position, and any function declarators.
func (w *walker) declaration(n, outer *sitter.Node, tmpl *templateInfo) {
	if t := n.ChildByFieldName("type"); t != nil {
		switch t.Type() {
		case "class_specifier":
			w.record(t, outer, store.KindClass, tmpl)
		case "struct_specifier":
			w.record(t, outer, store.KindStruct, tmpl)
		}
	}
	if w.scopesOnly {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if fd := functionDeclarator(n.NamedChild(i)); fd != nil {
			w.functionSymbol(n, outer, fd, nil, tmpl)
		}
	}
}

func (w *walker) function(n, outer *sitter.Node, tmpl *templateInfo) {
	if w.scopesOnly {
		return
	}
	fd := functionDeclarator(n.ChildByFieldName("declarator"))
	if fd == nil {
		return
	}
	body := n.ChildByFieldName("body")
	sym := w.functionSymbol(n, outer, fd, body, tmpl)
	if body != nil && body.Type() == "compound_statement" {
		w.collectCalls(body, sym)
	}
}

// functionDeclarator unwraps pointer, reference and init declarators down
// to a function declarator. Function pointers yield nil.
func functionDeclarator(n *sitter.Node) *sitter.Node {
	for n != nil {
		switch n.Type() {
		case "function_declarator":
			if inner := n.ChildByFieldName("declarator"); inner != nil && inner.Type() == "parenthesized_declarator" {
				return nil
			}
			return n
		case "pointer_declarator", "reference_declarator", "init_declarator", "attributed_declarator":
			next := n.ChildByFieldName("declarator")
			if next == nil && n.NamedChildCount() > 0 {
				next = n.NamedChild(int(n.NamedChildCount()) - 1)
			}
			n = next
		default:
			return nil
		}
	}
	return nil
}

// functionSymbol emits the function or method declared by fd. n is the
// declaration or definition node, body is nil for declarations.
func (w *walker) functionSymbol(n, outer, fd, body *sitter.Node, tmpl *templateInfo) store.Symbol {
	nameNode := fd.ChildByFieldName("declarator")
	if nameNode == nil {
		return store.Symbol{}
	}
	quals, name, targs := w.declName(nameNode)
	if name == "" {
		return store.Symbol{}
	}

	owner := *w.top()
	if len(quals) > 0 {
		owner = scope{scopeInfo: w.resolveQualifier(quals)}
	}

	params, ar := w.paramTypes(fd.ChildByFieldName("parameters"))
	isConst := false
	isVirtual := hasKeyword(n, "virtual")
	for i := 0; i < int(fd.NamedChildCount()); i++ {
		c := fd.NamedChild(i)
		switch c.Type() {
		case "type_qualifier":
			if w.text(c) == "const" {
				isConst = true
			}
		case "virtual_specifier":
			isVirtual = true
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == "virtual_specifier" {
			isVirtual = true
		}
	}
	isStatic := hasStorageClass(n, w.f.src, "static")

	kind := store.KindFunction
	var parentUSR string
	var access store.Access
	if owner.isRecord() {
		kind = store.KindMethod
		parentUSR = owner.usr
		if len(quals) == 0 {
			access = owner.access
		}
	}

	tk := store.TemplateNone
	seg := "@F@"
	switch {
	case tmpl != nil && tmpl.empty:
		tk = store.TemplateFullSpecialization
	case tmpl != nil:
		tk = store.TemplatePrimary
		seg = "@FT@"
	}

	usr := owner.usr + seg + name + targs + "#" + strings.Join(params, ",") + "#"
	if isConst {
		usr += "1"
	}
	if isStatic && kind == store.KindFunction && strings.HasPrefix(usr, rootUSR+"@") {
		usr = rootUSR + filepath.Base(w.f.path) + strings.TrimPrefix(usr, rootUSR)
	}

	sym := w.base(n, outer)
	sym.USR = usr
	sym.Name = name
	sym.QualifiedName = joinQualified(owner.qualified, name+targs)
	sym.Namespace = owner.namespace
	sym.Kind = kind
	sym.TemplateKind = tk
	sym.Signature = signature(outer, body, w.f.src)
	sym.ParentUSR = parentUSR
	sym.Access = access
	sym.IsDefinition = body != nil
	sym.IsVirtual = isVirtual
	sym.IsStatic = isStatic
	sym.IsConst = isConst
	w.emit(sym)
	w.u.arity[usr] = ar
	return sym
}

// declName flattens a declarator name into its qualifiers, simple name and
// explicit template arguments.
func (w *walker) declName(n *sitter.Node) ([]string, string, string) {
	switch n.Type() {
	case "qualified_identifier":
		var quals []string
		if s := n.ChildByFieldName("scope"); s != nil {
			quals = append(quals, normalizeType(w.text(s)))
		}
		inner := n.ChildByFieldName("name")
		if inner == nil {
			return quals, "", ""
		}
		more, name, targs := w.declName(inner)
		return append(quals, more...), name, targs
	case "template_function", "template_method":
		name := n.ChildByFieldName("name")
		args := n.ChildByFieldName("arguments")
		if name == nil {
			return nil, "", ""
		}
		targs := ""
		if args != nil {
			targs = normalizeType(w.text(args))
		}
		return nil, w.text(name), targs
	case "identifier", "field_identifier", "destructor_name", "operator_name", "type_identifier":
		return nil, strings.Join(strings.Fields(w.text(n)), ""), ""
	}
	return nil, "", ""
}

// resolveQualifier finds the scope named by quals as seen from the current
// scope, searching outward. Unknown qualifiers are assumed to be
// namespaces followed by a final class, the shape of an out-of-line member
// definition.
func (w *walker) resolveQualifier(quals []string) scopeInfo {
	for i := len(w.stack) - 1; i >= 0; i-- {
		if info, ok := w.lookupScope(w.stack[i].qualified, quals); ok {
			return info
		}
	}
	cur := w.top().scopeInfo
	for i, q := range quals {
		name := stripTemplateArgs(q)
		if i == len(quals)-1 {
			cur = scopeInfo{
				usr:       cur.usr + "@S@" + name,
				kind:      store.KindClass,
				qualified: joinQualified(cur.qualified, name),
				namespace: cur.namespace,
			}
			break
		}
		cur = scopeInfo{
			usr:       cur.usr + "@N@" + name,
			kind:      store.KindNamespace,
			qualified: joinQualified(cur.qualified, name),
		}
		cur.namespace = cur.qualified
	}
	return cur
}

func (w *walker) lookupScope(base string, quals []string) (scopeInfo, bool) {
	exact := base
	stripped := base
	for _, q := range quals {
		exact = joinQualified(exact, q)
		stripped = joinQualified(stripped, stripTemplateArgs(q))
	}
	if info, ok := w.u.scopes[exact]; ok {
		return info, true
	}
	info, ok := w.u.scopes[stripped]
	return info, ok
}

// paramTypes returns the normalized parameter types and the accepted
// argument counts.
func (w *walker) paramTypes(list *sitter.Node) ([]string, arity) {
	var types []string
	ar := arity{}
	if list == nil {
		return nil, ar
	}
	for i := 0; i < int(list.NamedChildCount()); i++ {
		p := list.NamedChild(i)
		switch p.Type() {
		case "parameter_declaration":
			t := w.paramType(p)
			if t == "void" && list.NamedChildCount() == 1 {
				return nil, ar
			}
			types = append(types, t)
			ar.min++
			ar.max++
		case "optional_parameter_declaration":
			types = append(types, w.paramType(p))
			ar.max++
		case "variadic_parameter_declaration", "variadic_parameter":
			types = append(types, "...")
			ar.variadic = true
		}
	}
	if strings.HasSuffix(w.text(list), "...)") && !ar.variadic {
		types = append(types, "...")
		ar.variadic = true
	}
	return types, ar
}

func (w *walker) paramType(p *sitter.Node) string {
	var quals []string
	for i := 0; i < int(p.NamedChildCount()); i++ {
		if c := p.NamedChild(i); c.Type() == "type_qualifier" {
			quals = append(quals, w.text(c))
		}
	}
	t := ""
	if tn := p.ChildByFieldName("type"); tn != nil {
		t = w.text(tn)
	}
	if len(quals) > 0 {
		t = strings.Join(quals, " ") + " " + t
	}
	return normalizeType(t + w.declSuffix(p.ChildByFieldName("declarator")))
}

// declSuffix renders the type modifiers of a parameter declarator without
// the parameter name.
func (w *walker) declSuffix(d *sitter.Node) string {
	if d == nil {
		return ""
	}
	inner := d.ChildByFieldName("declarator")
	switch d.Type() {
	case "pointer_declarator", "abstract_pointer_declarator":
		return "*" + w.declSuffix(inner)
	case "reference_declarator", "abstract_reference_declarator":
		ref := "&"
		if strings.HasPrefix(strings.TrimSpace(w.text(d)), "&&") {
			ref = "&&"
		}
		if inner == nil && d.NamedChildCount() > 0 {
			inner = d.NamedChild(int(d.NamedChildCount()) - 1)
		}
		return ref + w.declSuffix(inner)
	case "array_declarator", "abstract_array_declarator":
		return w.declSuffix(inner) + "[]"
	case "function_declarator", "abstract_function_declarator":
		return "(*)()"
	}
	return ""
}

// hasKeyword reports whether kw appears among the specifiers before the
// declarator of n.
func hasKeyword(n *sitter.Node, kw string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == kw || (c.Type() == "virtual_function_specifier" && kw == "virtual") {
			return true
		}
		if c.Type() == "function_declarator" || c.Type() == "compound_statement" {
			break
		}
	}
	return false
}

func hasStorageClass(n *sitter.Node, src []byte, class string) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "storage_class_specifier" && c.Content(src) == class {
			return true
		}
	}
	return false
}

func joinQualified(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "::" + name
}

// normalizeType collapses whitespace and removes spaces around template
// and pointer punctuation.
func normalizeType(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for _, r := range []struct{ old, new string }{
		{"< ", "<"}, {" <", "<"}, {" >", ">"}, {", ", ","}, {" ,", ","},
		{" *", "*"}, {" &", "&"}, {":: ", "::"}, {" ::", "::"},
	} {
		s = strings.ReplaceAll(s, r.old, r.new)
	}
	return s
}

func stripTemplateArgs(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		return s[:i]
	}
	return s
}

// signature is the declaration text from outer up to the body, on one line.
func signature(outer, body *sitter.Node, src []byte) string {
	end := outer.EndByte()
	if body != nil {
		end = body.StartByte()
	}
	text := string(src[outer.StartByte():end])
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, ";")
	return strings.Join(strings.Fields(text), " ")
}

// docComment gathers the comment block directly above n.
func docComment(n *sitter.Node, src []byte) string {
	var parts []string
	row := n.StartPoint().Row
	for p := n.PrevNamedSibling(); p != nil && p.Type() == "comment"; p = p.PrevNamedSibling() {
		if p.EndPoint().Row+1 < row {
			break
		}
		parts = append([]string{cleanComment(p.Content(src))}, parts...)
		row = p.StartPoint().Row
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func cleanComment(comment string) string {
	comment = strings.TrimSpace(comment)
	comment = strings.TrimPrefix(comment, "/**")
	comment = strings.TrimPrefix(comment, "/*")
	comment = strings.TrimSuffix(comment, "*/")

	var cleaned []string
	for _, line := range strings.Split(comment, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "///")
		line = strings.TrimPrefix(line, "//!")
		line = strings.TrimPrefix(line, "//")
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, " ")
}
