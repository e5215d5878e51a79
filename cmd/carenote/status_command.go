package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"carenote/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent, connectivity, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderStatus(status, shouldColorize(out)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func renderStatus(status api.Status, colorize bool) string {
	var lines []string
	lines = append(lines, sectionHeader("Agent", colorize)...)
	if status.Running {
		lines = append(lines, statusLine("Agent", levelOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
	} else {
		lines = append(lines, statusLine("Agent", levelError, "not running", colorize))
	}
	lines = append(lines, statusLine("Queue DB", levelInfo, status.QueueDBPath, colorize))

	conn := status.Connectivity
	lines = append(lines, "")
	lines = append(lines, sectionHeader("Connectivity", colorize)...)
	if conn.Online {
		lines = append(lines, statusLine("Network", levelOK, "online", colorize))
	} else {
		lines = append(lines, statusLine("Network", levelWarn, "offline", colorize))
	}
	if conn.LastProbeAt != "" {
		lines = append(lines, statusLine("Last probe", levelInfo, conn.LastProbeAt, colorize))
	}
	lines = append(lines, statusLine("Link events", levelInfo, yesNo(conn.LinkEvents), colorize))

	lines = append(lines, "")
	lines = append(lines, sectionHeader("Queues", colorize)...)
	lines = append(lines, statusLine("Pending actions", countLevel(status.Actions.Pending, levelInfo), fmt.Sprint(status.Actions.Pending), colorize))
	dead := status.Actions.Abandoned + status.Actions.Rejected
	lines = append(lines, statusLine("Failed actions", countLevel(dead, levelError),
		fmt.Sprintf("%d (%d abandoned, %d rejected)", dead, status.Actions.Abandoned, status.Actions.Rejected), colorize))
	audioMsg := fmt.Sprintf("%d pending", status.Audio.Pending)
	if status.Audio.IsProcessing {
		audioMsg += ", processing"
	}
	lines = append(lines, statusLine("Audio notes", countLevel(status.Audio.Pending, levelInfo), audioMsg, colorize))
	lines = append(lines, statusLine("Failed audio", countLevel(status.Audio.Failed, levelError), fmt.Sprint(status.Audio.Failed), colorize))

	lines = append(lines, "")
	lines = append(lines, sectionHeader("Session", colorize)...)
	capture := status.Capture.State
	if status.Capture.EntryID != "" {
		capture += " (" + status.Capture.EntryID + ")"
	}
	captureLevel := levelInfo
	if status.Capture.State == "error" {
		captureLevel = levelError
	}
	lines = append(lines, statusLine("Capture", captureLevel, capture, colorize))
	if status.Session.Active {
		lines = append(lines, statusLine("Session", levelOK, "active since "+orDash(status.Session.LastActivity), colorize))
	} else {
		lines = append(lines, statusLine("Session", levelInfo, "signed out", colorize))
	}
	if status.Gateway.Enabled {
		mode := "background sync"
		if status.Gateway.Polling {
			mode = "polling"
		}
		lines = append(lines, statusLine("Gateway", levelOK, fmt.Sprintf("%s, %s, %s", orDash(status.Gateway.Address), status.Gateway.CacheName, mode), colorize))
	} else {
		lines = append(lines, statusLine("Gateway", levelInfo, "disabled", colorize))
	}
	return strings.Join(lines, "\n")
}

func countLevel(n int, nonZero level) level {
	if n == 0 {
		return levelOK
	}
	return nonZero
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued actions and audio notes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Sync(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, describeFlush("Actions", resp.Actions))
				fmt.Fprintln(out, describeFlush("Audio", resp.Audio))
				return nil
			})
		},
	}
}

func describeFlush(label string, summary api.FlushSummary) string {
	if summary.Skipped {
		return label + ": skipped (offline)"
	}
	msg := fmt.Sprintf("%s: %d synced, %d failed", label, summary.Processed, summary.Failed)
	if summary.Remaining > 0 {
		msg += fmt.Sprintf(", %d remaining", summary.Remaining)
	}
	if summary.StoppedBy != "" {
		msg += " (stopped at " + shortID(summary.StoppedBy) + ")"
	}
	return msg
}

// commandTimeout bounds calls that wait on the agent.
func commandTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), clientTimeout)
}
