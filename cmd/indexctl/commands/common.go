// Package commands implements the indexctl subcommands.
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"search-indexer/internal/app"
	"search-indexer/internal/config"
	"search-indexer/internal/logger"
)

// maxPrintedErrors caps the per-product errors echoed after a reindex.
const maxPrintedErrors = 10

// ErrAborted is returned when the operator declines a destructive action.
var ErrAborted = errors.New("aborted by operator")

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

// OpenFunc builds the application container for one command run.
type OpenFunc func(ctx context.Context, envFile string) (*app.Container, error)

// Open loads configuration from envFile and the environment and connects to
// every backend. Logs go to stderr so they do not mix with command output.
func Open(ctx context.Context, envFile string) (*app.Container, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger.NewWithWriter("indexctl", cfg.LogLevel, os.Stderr))
}

type runner struct {
	open OpenFunc
}

func (r *runner) container(ctx context.Context, cmd *cli.Command) (*app.Container, error) {
	c, err := r.open(ctx, cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stdin(cmd *cli.Command) io.Reader {
	if r := cmd.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}

// confirm asks a yes/no question and accepts only y or yes.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// PrintError writes err in red. main uses it before exiting with status 1.
func PrintError(w io.Writer, err error) {
	red.Fprintf(w, "error: %v\n", err)
}
