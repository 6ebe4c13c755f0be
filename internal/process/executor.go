// Package process runs release scripts and helper commands, capturing their
// output. Failures are reported through conventional exit codes rather than
// Go errors so callers can persist them as job evidence.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Reserved exit codes for failures that happen before the child runs.
const (
	ExitSpawnFailed   = 124
	ExitExecDisabled  = 125
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// Mode is the single argument passed to a release script.
type Mode string

const (
	ModeCheck  Mode = "check"
	ModeDeploy Mode = "deploy"
)

// ParseMode validates a textual release mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCheck, ModeDeploy:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid release mode %q: must be check or deploy", s)
	}
}

// Result is the captured outcome of one invocation.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the child exited with status 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

func failure(code int, msg string) Result {
	return Result{ExitCode: code, Stderr: msg, Output: msg}
}

// Options configures an Executor.
type Options struct {
	// Disabled refuses every spawn with ExitExecDisabled, for hosts where
	// running external programs is forbidden by policy.
	Disabled bool
}

// Executor runs external programs synchronously.
type Executor struct {
	disabled bool
	environ  func() []string
}

// NewExecutor creates an executor inheriting the current process environment.
func NewExecutor(opts Options) *Executor {
	return &Executor{
		disabled: opts.Disabled,
		environ:  os.Environ,
	}
}

// RunScript invokes `<scriptPath> <mode>` after checking that the script
// resolves to an executable regular file.
func (e *Executor) RunScript(ctx context.Context, scriptPath string, mode Mode, env map[string]string) Result {
	if _, err := ParseMode(string(mode)); err != nil {
		return failure(2, err.Error())
	}

	real, err := filepath.EvalSymlinks(scriptPath)
	if err != nil {
		return failure(ExitNotFound, "Script not found: "+scriptPath)
	}
	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return failure(ExitNotFound, "Script not found: "+scriptPath)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return failure(ExitNotExecutable, "Script is not executable: "+real)
	}

	return e.Run(ctx, []string{real, string(mode)}, "", env)
}

// Run executes argv in dir (empty for the current directory) with env
// overlaid on the inherited environment. The child is not bound to ctx: once
// started it runs to completion.
func (e *Executor) Run(ctx context.Context, argv []string, dir string, env map[string]string) Result {
	if e.disabled {
		return failure(ExitExecDisabled, "Command execution disabled by configuration.")
	}
	if len(argv) == 0 {
		return failure(ExitSpawnFailed, "Unable to start process: empty command.")
	}
	if err := ctx.Err(); err != nil {
		return failure(ExitSpawnFailed, "Unable to start process: "+err.Error())
	}

	var stdout, stderr bytes.Buffer
	//nolint:gosec,noctx // Command paths are resolved and validated by callers; children are never cancelled
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(env) > 0 {
		cmd.Env = overlayEnv(e.environ(), env)
	}

	log := logrus.WithFields(logrus.Fields{"command": argv[0], "args": argv[1:]})
	start := time.Now()

	if err := cmd.Start(); err != nil {
		log.WithError(err).Warn("Failed to start process")
		return failure(ExitSpawnFailed, "Unable to start process.")
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitStatus(exitErr)
		} else {
			exitCode = 1
			if stderr.Len() > 0 {
				stderr.WriteByte('\n')
			}
			stderr.WriteString(err.Error())
		}
	}

	res := Result{
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}
	res.Output = combine(res.Stdout, res.Stderr)

	log.WithFields(logrus.Fields{
		"exit_code": res.ExitCode,
		"duration":  res.Duration.String(),
	}).Debug("Process finished")

	return res
}

// exitStatus maps signal deaths to the shell convention of 128+signal.
func exitStatus(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

func combine(stdout, stderr string) string {
	if stderr == "" {
		return strings.TrimSpace(stdout)
	}
	return strings.TrimSpace(stdout + "\n" + stderr)
}

// overlayEnv applies extra on top of base. Empty keys are ignored.
func overlayEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		if k == "" {
			continue
		}
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
