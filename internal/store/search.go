package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// PatternKind is how a search pattern is matched against symbol names.
type PatternKind int

const (
	// PatternExact: "Util" matches the name exactly, ignoring case.
	PatternExact PatternKind = iota
	// PatternPrefix: "Util*".
	PatternPrefix
	// PatternSuffix: "*Util".
	PatternSuffix
	// PatternSubstring: "*til*".
	PatternSubstring
	// PatternQualified: "app::Util" matches a suffix of the qualified name
	// on "::" boundaries; a leading "::" anchors at the global namespace.
	PatternQualified
	// PatternRegex: anything else with regex metacharacters, anchored.
	PatternRegex
)

const regexMeta = `.^$*+?()[]{}|\`

// Pattern is a parsed name pattern.
type Pattern struct {
	Raw        string
	Kind       PatternKind
	Literal    string
	Components []string
	Anchored   bool
	re         *regexp.Regexp
}

// ParsePattern classifies raw into one of the pattern kinds.
func ParsePattern(raw string) (Pattern, error) {
	p := Pattern{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return p, fmt.Errorf("empty search pattern")
	}

	if strings.Contains(s, "::") && !strings.ContainsAny(s, regexMeta) {
		p.Kind = PatternQualified
		if strings.HasPrefix(s, "::") {
			p.Anchored = true
			s = strings.TrimPrefix(s, "::")
		}
		for _, c := range strings.Split(s, "::") {
			if c == "" {
				return p, fmt.Errorf("invalid qualified pattern %q", raw)
			}
			p.Components = append(p.Components, c)
		}
		p.Literal = p.Components[len(p.Components)-1]
		return p, nil
	}

	lead := strings.HasPrefix(s, "*")
	trail := strings.HasSuffix(s, "*")
	inner := strings.Trim(s, "*")
	if (lead || trail) && inner != "" && !strings.ContainsAny(inner, regexMeta) {
		p.Literal = inner
		switch {
		case lead && trail:
			p.Kind = PatternSubstring
		case trail:
			p.Kind = PatternPrefix
		default:
			p.Kind = PatternSuffix
		}
		return p, nil
	}

	if strings.ContainsAny(s, regexMeta) {
		re, err := regexp.Compile("^(?:" + s + ")$")
		if err != nil {
			return p, fmt.Errorf("invalid pattern %q: %w", raw, err)
		}
		p.Kind = PatternRegex
		p.re = re
		p.Literal = literalPrefix(s)
		return p, nil
	}

	p.Kind = PatternExact
	p.Literal = s
	return p, nil
}

// Match reports whether a symbol with the given simple and qualified name
// satisfies the pattern.
func (p Pattern) Match(name, qualified string) bool {
	switch p.Kind {
	case PatternExact:
		return strings.EqualFold(name, p.Literal)
	case PatternPrefix:
		return hasPrefixFold(name, p.Literal)
	case PatternSuffix:
		return hasSuffixFold(name, p.Literal)
	case PatternSubstring:
		return strings.Contains(strings.ToLower(name), strings.ToLower(p.Literal))
	case PatternQualified:
		parts := strings.Split(qualified, "::")
		if len(parts) < len(p.Components) || (p.Anchored && len(parts) != len(p.Components)) {
			return false
		}
		off := len(parts) - len(p.Components)
		for i, c := range p.Components {
			if !strings.EqualFold(parts[off+i], c) {
				return false
			}
		}
		return true
	case PatternRegex:
		return p.re.MatchString(name)
	}
	return false
}

// literalPrefix returns the leading literal text every match of the regex
// source s must start with, used to narrow the SQL candidate set.
func literalPrefix(s string) string {
	if strings.Contains(s, "|") {
		return ""
	}
	i := 0
	for i < len(s) && !strings.ContainsRune(regexMeta, rune(s[i])) {
		i++
	}
	if i > 0 && i < len(s) && strings.ContainsRune("*+?{", rune(s[i])) {
		i--
	}
	return s[:i]
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

// SearchByName streams the symbol rows whose name matches p, optionally
// restricted to kinds. Rows arrive ordered by name, file and line; fn
// returning false stops the scan.
//
// Substring, prefix and suffix patterns with at least three characters go
// through the trigram index; shorter ones fall back to LIKE on the name
// index. SQL narrows candidates and p.Match makes the final decision.
func (s *Store) SearchByName(ctx context.Context, p Pattern, kinds []Kind, fn func(*Symbol) bool) error {
	var where string
	var args []any

	switch p.Kind {
	case PatternExact, PatternQualified:
		where = "name = ? COLLATE NOCASE"
		args = append(args, p.Literal)
	case PatternPrefix, PatternSuffix, PatternSubstring:
		like := p.Literal
		switch p.Kind {
		case PatternPrefix:
			like += "%"
		case PatternSuffix:
			like = "%" + like
		default:
			like = "%" + like + "%"
		}
		if utf8.RuneCountInString(p.Literal) >= 3 {
			where = "id IN (SELECT rowid FROM symbols_fts WHERE name LIKE ?)"
		} else {
			where = "name LIKE ?"
		}
		args = append(args, like)
	case PatternRegex:
		if p.Literal != "" {
			where = "name LIKE ?"
			args = append(args, p.Literal+"%")
		} else {
			where = "1 = 1"
		}
	default:
		return fmt.Errorf("search by name: unknown pattern kind %d", p.Kind)
	}

	if len(kinds) > 0 {
		where += " AND kind IN (" + placeholderList(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+SymbolCols+" FROM symbols WHERE "+where+" ORDER BY name, file, line, id", args...)
	if err != nil {
		return fmt.Errorf("search by name: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		sym, err := s.scanSymbol(rows)
		if err != nil {
			return fmt.Errorf("scan symbol: %w", err)
		}
		if !p.Match(sym.Name, sym.QualifiedName) {
			continue
		}
		if !fn(sym) {
			return nil
		}
	}
	return rows.Err()
}
