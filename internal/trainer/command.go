package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Command execs an external training program. The run context is
// handed over through environment variables so any language can
// implement the entry point:
//
//	EXPERIMENTD_LOG_DIR       stable log directory
//	EXPERIMENTD_ENV_ID        environment identifier
//	EXPERIMENTD_CLIENTS       comma-separated host:port list
//	EXPERIMENTD_IGNORE_STEPS  step-limit/ignore-steps parameter
//	EXPERIMENTD_PARAMS        hyperparameter map as JSON
type Command struct {
	Command string   // command line to start the trainer (shell-style)
	Env     []string // optional extra env, KEY=VALUE
}

func (c Command) Train(ctx context.Context, run RunContext) error {
	cmd := buildCommand(ctx, c.Command)
	cmd.Dir = run.LogDir
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	addrs := make([]string, len(run.Clients))
	for i, cl := range run.Clients {
		addrs[i] = cl.Address
	}
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"EXPERIMENTD_LOG_DIR="+run.LogDir,
		"EXPERIMENTD_ENV_ID="+run.EnvID,
		"EXPERIMENTD_CLIENTS="+strings.Join(addrs, ","),
		fmt.Sprintf("EXPERIMENTD_IGNORE_STEPS=%d", run.IgnoreSteps),
		"EXPERIMENTD_PARAMS="+string(params),
	)
	if run.Output != nil {
		cmd.Stdout = run.Output
		cmd.Stderr = run.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("trainer command %q: %w", c.Command, err)
	}
	return nil
}

// buildCommand constructs an *exec.Cmd for the given command string.
// It avoids invoking a shell when not necessary, and respects an
// explicit shell invocation already present in the command string
// (e.g. "sh -c 'python train.py'"), avoiding double-wrapping.
func buildCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or
// "/bin/sh -c <ARG>" at the beginning of cmdStr and returns the
// substring after "-c " with one pair of wrapping quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
