package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/actor"
	"github.com/zulandar/signalbox/internal/auth"
	"github.com/zulandar/signalbox/internal/client"
	"github.com/zulandar/signalbox/internal/event"
)

func newWatchCmd() *cobra.Command {
	var (
		configPath string
		server     string
		token      string
		user       string
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream a session's events in real-time",
		Long:  "Subscribes to a session as a viewer and prints events as they arrive. Reconnects automatically on transport failures. (Ctrl+C to stop)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, configPath, server, token, user, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVar(&server, "server", "", "gateway address (defaults to localhost with the configured port)")
	cmd.Flags().StringVar(&token, "token", "", "session token (minted locally from the config secret when omitted)")
	cmd.Flags().StringVar(&user, "user", "cli", "user id to present")
	return cmd
}

func runWatch(cmd *cobra.Command, configPath, server, token, user, sessionID string) error {
	cfg, _, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if server == "" {
		server = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	}
	mintLocally := token == ""
	if mintLocally {
		if err := auth.RequireSecret(cfg.Auth.Secret); err != nil {
			return fmt.Errorf("no --token given and no usable secret in config: %w", err)
		}
		token = auth.IssueSession(cfg.Auth.Secret, sessionID)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching session %s on %s... (Ctrl+C to stop)\n", sessionID, server)

	opts := client.Opts{
		URL:          fmt.Sprintf("ws://%s/ws/sessions/%s", server, sessionID),
		Token:        token,
		UserID:       user,
		Name:         user,
		BaseBackoff:  cfg.Backoff.Base,
		MaxBackoff:   cfg.Backoff.Max,
		MaxAttempts:  cfg.Backoff.MaxAttempts,
		PingInterval: cfg.Server.HeartbeatInterval,
		Handler:      func(msg actor.ServerMessage) { printServerMessage(out, msg) },
	}
	if mintLocally {
		// Tokens expire inside long watches; mint a fresh one on re-auth.
		opts.TokenSource = func(ctx context.Context) (string, error) {
			return auth.IssueSession(cfg.Auth.Secret, sessionID), nil
		}
	}

	c, err := client.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.Run(ctx)
}

// printServerMessage renders one server message for the terminal.
func printServerMessage(out io.Writer, msg actor.ServerMessage) {
	ts := time.Now().Format("15:04:05")
	switch msg.Type {
	case actor.MsgSubscribed:
		if msg.State != nil {
			fmt.Fprintf(out, "[%s] subscribed: %s (%s, sandbox %s)\n", ts, msg.State.ID, msg.State.Status, msg.State.SandboxStatus)
		}
	case actor.MsgSandboxEvent:
		if msg.Event != nil {
			printEvent(out, ts, msg.Event.Event)
		}
	case actor.MsgSessionStatus:
		fmt.Fprintf(out, "[%s] session is now %s\n", ts, msg.Status)
	case actor.MsgSandboxStatus:
		fmt.Fprintf(out, "[%s] sandbox: %s\n", ts, msg.Status)
	case actor.MsgProcessingStatus:
		if msg.IsProcessing != nil && *msg.IsProcessing {
			fmt.Fprintf(out, "[%s] working...\n", ts)
		}
	case actor.MsgPresenceUpdate, actor.MsgPresenceSync:
		names := make([]string, 0, len(msg.Participants))
		for _, p := range msg.Participants {
			names = append(names, p.Name)
		}
		fmt.Fprintf(out, "[%s] viewers: %s\n", ts, strings.Join(names, ", "))
	case actor.MsgPresenceLeave:
		fmt.Fprintf(out, "[%s] %s left\n", ts, msg.UserID)
	case actor.MsgSandboxError:
		fmt.Fprintf(out, "[%s] sandbox error: %s\n", ts, msg.Error)
	case actor.MsgPong, actor.MsgPromptQueued:
		// Quiet.
	}
}

func printEvent(out io.Writer, ts string, ev event.Event) {
	switch e := ev.(type) {
	case event.UserMessage:
		fmt.Fprintf(out, "[%s] %s: %s\n", ts, e.Author, e.Content)
	case event.Token:
		fmt.Fprintf(out, "[%s] agent: %s\n", ts, e.Content)
	case event.ToolCall:
		fmt.Fprintf(out, "[%s] tool %s\n", ts, e.Tool)
	case event.ToolResult:
		if e.IsError {
			fmt.Fprintf(out, "[%s] tool failed: %s\n", ts, truncate(e.Result, 200))
		}
	case event.ExecutionComplete:
		fmt.Fprintf(out, "[%s] done (%s)\n", ts, e.StopReason)
	case event.ArtifactCreated:
		fmt.Fprintf(out, "[%s] artifact %s: %s\n", ts, e.Artifact.Type, e.Artifact.URL)
	case event.ArtifactUpdated:
		fmt.Fprintf(out, "[%s] artifact updated: %s\n", ts, e.Artifact.URL)
	case event.Error:
		fmt.Fprintf(out, "[%s] error: %s\n", ts, e.Message)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
