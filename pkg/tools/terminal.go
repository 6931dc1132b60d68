package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

func terminalTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "terminal",
		Description: "Run a shell command on the host. Use for file management, " +
			"system checks, or running scripts. Be careful with destructive commands.",
		Category: toolexecutor.CategoryShell,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "The command to execute (e.g. 'ls -la')", Required: true},
			{Name: "timeout", Type: "integer", Description: "Timeout in seconds (default: 30)", Required: false, Default: 30},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, errors.New("command is required")
			}

			if seconds := intParam(params, "timeout"); seconds > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
				defer cancel()
			}

			shell, flag := shellFor(runtime.GOOS)
			cmd := exec.CommandContext(ctx, shell, flag, command)

			// Working directory is optional for the terminal: without a
			// workspace the command runs where the process runs.
			execCtx := toolexecutor.ExecContextFromContext(ctx)
			if dir, err := resolveWorkspaceRoot(execCtx, opts); err == nil {
				cmd.Dir = dir
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			exitCode := 0
			if runErr != nil {
				var exitErr *exec.ExitError
				switch {
				case errors.As(runErr, &exitErr):
					exitCode = exitErr.ExitCode()
				case ctx.Err() != nil:
					return nil, fmt.Errorf("command timed out: %w", ctx.Err())
				default:
					return nil, fmt.Errorf("failed to run command: %w", runErr)
				}
			}

			return frameCommandOutput(stdout.String(), stderr.String(), exitCode), nil
		},
	}
}

// shellFor picks the shell invocation for the host platform.
func shellFor(goos string) (shell, flag string) {
	if goos == "windows" {
		return "cmd", "/C"
	}
	return "/bin/sh", "-c"
}

// frameCommandOutput renders command output as STDOUT / STDERR sections
// followed by the exit code, so the model can tell the streams apart.
func frameCommandOutput(stdout, stderr string, exitCode int) string {
	sections := []string{}
	if out := strings.TrimSpace(stdout); out != "" {
		sections = append(sections, "STDOUT:\n"+out)
	}
	if errOut := strings.TrimSpace(stderr); errOut != "" {
		sections = append(sections, "STDERR:\n"+errOut)
	}

	if len(sections) == 0 {
		return fmt.Sprintf("Command finished with no output. Exit code: %d", exitCode)
	}
	return strings.Join(sections, "\n\n") + fmt.Sprintf("\n\nExit code: %d", exitCode)
}
