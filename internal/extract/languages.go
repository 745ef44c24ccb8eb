package extract

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
)

// extToLanguage maps file extensions to grammar names. Headers are parsed
// as C++, which accepts nearly all C headers.
var extToLanguage = map[string]string{
	".c":   "c",
	".h":   "cpp",
	".cc":  "cpp",
	".cpp": "cpp",
	".cxx": "cpp",
	".c++": "cpp",
	".hh":  "cpp",
	".hpp": "cpp",
	".hxx": "cpp",
	".inl": "cpp",
}

var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			"c":   c.GetLanguage(),
			"cpp": cpp.GetLanguage(),
		}
	})
}

// LanguageFor picks the grammar for a translation unit. An explicit
// "-x c" or "-x c++" in args wins over the file extension; unknown
// extensions are parsed as C++.
func LanguageFor(path string, args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-x" {
			continue
		}
		switch args[i+1] {
		case "c":
			return "c"
		case "c++":
			return "cpp"
		}
	}
	if lang, ok := extToLanguage[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "cpp"
}

func grammarFor(lang string) *sitter.Language {
	initGrammars()
	if l, ok := langToGrammar[lang]; ok {
		return l
	}
	return langToGrammar["cpp"]
}
