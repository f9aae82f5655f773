package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fmueller/quietwav/internal/cli"
	"github.com/fmueller/quietwav/internal/pipeline"
)

// Exit codes. Usage errors are distinct from failures of the run itself.
const (
	exitFailure          = 1
	exitUsage            = 2
	exitModelUnavailable = 3
	exitInvalidAudio     = 4
)

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if isUsageError(err) {
			fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", helpHintTarget(cmd, os.Args[1:]))
		}
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case isUsageError(err):
		return exitUsage
	case errors.Is(err, pipeline.ErrModelUnavailable):
		return exitModelUnavailable
	case errors.Is(err, pipeline.ErrInvalidAudio):
		return exitInvalidAudio
	default:
		return exitFailure
	}
}

// usagePrefixes are the leading words of the argument and flag errors
// cobra and pflag produce. Errors from the run itself never start with them.
var usagePrefixes = []string{
	"unknown command ",
	"unknown flag: ",
	"unknown shorthand flag: ",
	"flag needs an argument: ",
	"bad flag syntax: ",
	"accepts ",
	"requires at least ",
	"requires at most ",
	"invalid argument ",
}

var invalidFlagValue = regexp.MustCompile(`^invalid argument ".*" for ".*" flag: `)

func isUsageError(err error) bool {
	if err == nil {
		return false
	}

	message := strings.TrimSpace(err.Error())
	for _, prefix := range usagePrefixes {
		if !strings.HasPrefix(message, prefix) {
			continue
		}
		if prefix == "invalid argument " {
			return invalidFlagValue.MatchString(message)
		}
		return true
	}
	return false
}

// helpHintTarget names the deepest command the arguments resolve to.
func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return "quietwav"
	}
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return root.CommandPath()
	}
	if found, _, err := root.Find(args); err == nil && found != nil {
		return found.CommandPath()
	}
	return root.CommandPath()
}
