package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/config"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/daemon"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/logger"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/tools"
)

var runSession string

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run one goal in the foreground",
	Long: `Run a single agent session in the foreground, streaming its transcript
to stdout. Questions the agent asks are prompted on stdin. Exits 0 when
the session reaches the goal and 1 otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "session key to continue (default: a fresh session)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(args[0])
	if goal == "" {
		return fmt.Errorf("goal is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration, run `manus configure`: %w", err)
	}

	// Console logging would interleave with the transcript stream, so
	// foreground runs log to the file only.
	logCfg := cfg.Logging
	logCfg.Console = false
	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level = logLevel
	}
	log, err := logger.New(logger.Config{
		Level:     logCfg.Level,
		File:      logCfg.File,
		Redaction: logCfg.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	rt, err := daemon.NewRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	unsubscribe := rt.Bus().Subscribe(func(evt events.Event) {
		if line := renderEvent(evt); line != "" {
			fmt.Fprintln(out, line)
		}
	})
	defer unsubscribe()

	// ask_human blocks the session until an answer arrives, so the
	// prompt reads stdin right on the asking goroutine.
	stdin := bufio.NewReader(cmd.InOrStdin())
	rt.Bridge().SetNotify(func(q tools.Request) {
		fmt.Fprintf(out, "\n[question] %s\n> ", q.Question)
		answer, readErr := stdin.ReadString('\n')
		if readErr != nil {
			return
		}
		if err := rt.Bridge().Answer(q.ID, strings.TrimSpace(answer)); err != nil {
			fmt.Fprintf(out, "could not deliver the answer: %v\n", err)
		}
	})

	sessionKey := strings.TrimSpace(runSession)
	if sessionKey == "" {
		sessionKey = "run-" + tracing.NewRunID()
	}

	// Ctrl-C cancels the run; the engine classifies it and tears the
	// session's tools down before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := rt.RunGoal(ctx, goal, sessionKey)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("session did not reach the goal: %s", result.Reason)
	}
	return nil
}

// renderEvent formats one bus event as a transcript line. Events that
// are noise in a foreground run render as "".
func renderEvent(evt events.Event) string {
	switch evt.Type {
	case events.TypeSessionStarted:
		return fmt.Sprintf("session %s started: %s", evt.SessionID, payloadString(evt.Payload, "goal"))

	case events.TypePhaseChanged:
		return fmt.Sprintf("[cycle %v] phase %s -> %s",
			evt.Payload["cycle"], payloadString(evt.Payload, "from"), evt.Phase)

	case events.TypeToolCall:
		line := "-> " + payloadString(evt.Payload, "tool")
		if args := compactJSON(evt.Payload["arguments"]); args != "" && args != "{}" {
			line += " " + args
		}
		return line

	case events.TypeToolResult:
		status := "ok"
		if ok, _ := evt.Payload["success"].(bool); !ok {
			status = "failed"
		}
		line := fmt.Sprintf("<- %s %s", payloadString(evt.Payload, "tool"), status)
		if preview := payloadString(evt.Payload, "preview"); preview != "" {
			line += ": " + preview
		}
		return line

	case events.TypeCriticVerdict:
		line := "critic: " + payloadString(evt.Payload, "verdict")
		if detail := payloadString(evt.Payload, "detail"); detail != "" {
			line += " (" + detail + ")"
		}
		return line

	case events.TypeProviderFailover:
		return fmt.Sprintf("provider failover: %s (%s)",
			payloadString(evt.Payload, "profile"), payloadString(evt.Payload, "kind"))

	case events.TypeSessionFinished:
		if ok, _ := evt.Payload["success"].(bool); ok {
			return "\nFinal answer:\n" + payloadString(evt.Payload, "final_answer")
		}
		return "\nSession failed: " + payloadString(evt.Payload, "reason")

	default:
		return ""
	}
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func compactJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
