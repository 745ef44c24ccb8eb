package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/symcache"
)

var (
	flagKinds     string
	flagDirection string
	flagLimit     int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the symbol index",
	Long:  "Run queries against the active project. The project is refreshed incrementally before each query. Line and column numbers are 1-based.",
}

func init() {
	searchCmd.Flags().StringVar(&flagKinds, "kind", "", "comma-separated kind filter (e.g. class,method)")
	depsCmd.Flags().StringVar(&flagDirection, "direction", "outgoing", "outgoing (files included) or incoming (files including it)")
	suggestCmd.Flags().IntVar(&flagLimit, "limit", 5, "maximum suggestions")

	queryCmd.AddCommand(searchCmd)
	queryCmd.AddCommand(symbolCmd)
	queryCmd.AddCommand(fileCmd)
	queryCmd.AddCommand(callersCmd)
	queryCmd.AddCommand(calleesCmd)
	queryCmd.AddCommand(depsCmd)
	queryCmd.AddCommand(suggestCmd)
}

// --- Helpers ---

// outputResult marshals a CLIResult to the command's stdout in the
// selected format.
func outputResult(cmd *cobra.Command, result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(cmd.OutOrStdout(), result)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(cmd *cobra.Command, command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

func parseKinds(s string) ([]symcache.Kind, error) {
	if s == "" {
		return nil, nil
	}
	var out []symcache.Kind
	for _, part := range strings.Split(s, ",") {
		k := symcache.Kind(strings.TrimSpace(part))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown kind %q", k)
		}
		out = append(out, k)
	}
	return out, nil
}

func parseDirection(s string) (symcache.Direction, error) {
	switch s {
	case "outgoing", "out":
		return symcache.Outgoing, nil
	case "incoming", "in":
		return symcache.Incoming, nil
	}
	return 0, fmt.Errorf("invalid direction %q: must be outgoing or incoming", s)
}

// --- Commands ---

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Find symbols by name",
	Long: `Find symbols by name. Pattern forms:
  Util         exact name, case-insensitive
  Util*        prefix
  *Util        suffix
  *til*        substring
  app::Util    qualified name suffix (::app::Util anchors at the global namespace)
  get[A-Z].*   regular expression, anchored

When nothing matches, similar names are suggested.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(flagKinds)
	if err != nil {
		return outputError(cmd, "search", err)
	}
	e, err := openIndexed(cmd.Context(), nil)
	if err != nil {
		return outputError(cmd, "search", err)
	}
	defer e.Close()

	syms, err := e.SearchByName(cmd.Context(), args[0], kinds...)
	if err != nil {
		return outputError(cmd, "search", err)
	}
	res := CLIResult{Command: "search", Results: symbolsToCLI(syms)}
	if len(syms) == 0 {
		res.Suggestions, _ = e.Suggest(cmd.Context(), args[0], 0)
	}
	return outputResult(cmd, res)
}

var symbolCmd = &cobra.Command{
	Use:   "symbol <usr>",
	Short: "Show one symbol with its declaration and members",
	Args:  cobra.ExactArgs(1),
	RunE:  runSymbol,
}

func runSymbol(cmd *cobra.Command, args []string) error {
	e, err := openIndexed(cmd.Context(), nil)
	if err != nil {
		return outputError(cmd, "symbol", err)
	}
	defer e.Close()

	d, err := e.GetSymbol(cmd.Context(), args[0])
	if err != nil {
		return outputError(cmd, "symbol", err)
	}
	if d == nil {
		return outputResult(cmd, CLIResult{Command: "symbol", Results: nil})
	}
	return outputResult(cmd, CLIResult{Command: "symbol", Results: detailToCLI(d)})
}

var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "List the symbols declared in a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFile,
}

func runFile(cmd *cobra.Command, args []string) error {
	e, err := openIndexed(cmd.Context(), nil)
	if err != nil {
		return outputError(cmd, "file", err)
	}
	defer e.Close()

	syms, err := e.GetFileSymbols(cmd.Context(), args[0])
	if err != nil {
		return outputError(cmd, "file", err)
	}
	return outputResult(cmd, CLIResult{Command: "file", Results: symbolsToCLI(syms)})
}

var callersCmd = &cobra.Command{
	Use:   "callers <usr>",
	Short: "Find the call sites calling a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalls(cmd, "callers", args[0], symcache.Incoming)
	},
}

var calleesCmd = &cobra.Command{
	Use:   "callees <usr>",
	Short: "Find the calls made by a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalls(cmd, "callees", args[0], symcache.Outgoing)
	},
}

func runCalls(cmd *cobra.Command, command, usr string, d symcache.Direction) error {
	e, err := openIndexed(cmd.Context(), nil)
	if err != nil {
		return outputError(cmd, command, err)
	}
	defer e.Close()

	var sites []symcache.CallSite
	if d == symcache.Incoming {
		sites, err = e.FindCallers(cmd.Context(), usr)
	} else {
		sites, err = e.FindCallees(cmd.Context(), usr)
	}
	if err != nil {
		return outputError(cmd, command, err)
	}
	return outputResult(cmd, CLIResult{Command: command, Results: callSitesToCLI(sites)})
}

var depsCmd = &cobra.Command{
	Use:   "deps <path>",
	Short: "Show the transitive include closure of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeps,
}

func runDeps(cmd *cobra.Command, args []string) error {
	d, err := parseDirection(flagDirection)
	if err != nil {
		return outputError(cmd, "deps", err)
	}
	e, err := openIndexed(cmd.Context(), nil)
	if err != nil {
		return outputError(cmd, "deps", err)
	}
	defer e.Close()

	files, err := e.GetDependencyClosure(cmd.Context(), args[0], d)
	if err != nil {
		return outputError(cmd, "deps", err)
	}
	if files == nil {
		files = []string{}
	}
	return outputResult(cmd, CLIResult{Command: "deps", Results: files})
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <name>",
	Short: "Suggest indexed names similar to name",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuggest,
}

func runSuggest(cmd *cobra.Command, args []string) error {
	e, err := openIndexed(cmd.Context(), nil)
	if err != nil {
		return outputError(cmd, "suggest", err)
	}
	defer e.Close()

	names, err := e.Suggest(cmd.Context(), args[0], flagLimit)
	if err != nil {
		return outputError(cmd, "suggest", err)
	}
	return outputResult(cmd, CLIResult{Command: "suggest", Results: names})
}
