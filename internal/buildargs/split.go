package buildargs

import (
	"fmt"

	"github.com/kballard/go-shellquote"
)

// SplitCommand splits the "command" form of a compilation database entry
// into arguments using POSIX shell quoting.
func SplitCommand(cmd string) ([]string, error) {
	args, err := shellquote.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("split command %q: %w", cmd, err)
	}
	return args, nil
}
