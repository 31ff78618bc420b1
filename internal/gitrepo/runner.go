// Package gitrepo provides the local git workspace the robot operates on:
// a cached clone with fetch/push/merge primitives, ancestry queries, and an
// ls-remote cache. All repository-mutating callers must hold the workspace
// lock.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var reToken = regexp.MustCompile(`(x-access-token|[a-zA-Z0-9_]+):[^@/]+@`)

// runner executes git commands in a fixed working directory.
type runner struct {
	dir string
	env []string
}

// exitError carries the command output alongside the exit status so callers
// can classify failures (conflicts, non-ancestry) without re-parsing stderr.
type exitError struct {
	args   []string
	status int
	output string
	cause  error
}

func (e *exitError) Error() string {
	return fmt.Sprintf("git %s failed: %v\n%s", strings.Join(e.args, " "), e.cause, e.output)
}

func (e *exitError) Unwrap() error { return e.cause }

func redact(args []string) []string {
	safe := make([]string, len(args))
	for i, a := range args {
		safe[i] = reToken.ReplaceAllString(a, "$1:***@")
	}
	return safe
}

// run executes git with the given arguments and returns its combined output.
func (r *runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	cmd.Env = r.env

	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out

	safeArgs := redact(args)
	slog.Debug("git.exec", "cwd", r.dir, "args", safeArgs)

	err := cmd.Run()
	if err != nil {
		status := -1
		if ee, ok := err.(*exec.ExitError); ok {
			status = ee.ExitCode()
		}
		return out.String(), &exitError{
			args:   safeArgs,
			status: status,
			output: out.String(),
			cause:  err,
		}
	}

	return out.String(), nil
}

func newRunner(dir string, extraEnv ...string) *runner {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_MERGE_AUTOEDIT=no",
	)
	return &runner{dir: dir, env: append(env, extraEnv...)}
}
