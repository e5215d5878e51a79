package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"carenote/internal/api"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Record a voice note for a care entry",
	}
	captureCmd.AddCommand(newCaptureRecordCommand(ctx))
	captureCmd.AddCommand(newCaptureStatusCommand(ctx))
	captureCmd.AddCommand(newCaptureSimpleCommand(ctx, "cancel", "Discard the current recording", (*api.Client).CancelCapture))
	captureCmd.AddCommand(newCaptureSimpleCommand(ctx, "reset", "Return a finished capture to idle", (*api.Client).ResetCapture))
	return captureCmd
}

// newCaptureRecordCommand starts recording and stops on Enter, or when the
// agent stops on its own at the duration cap.
func newCaptureRecordCommand(ctx *commandContext) *cobra.Command {
	var entryID string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record until Enter is pressed, then process the note",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				callCtx, cancel := commandTimeout(cmd)
				defer cancel()

				if _, err := client.StartCapture(callCtx, entryID); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Recording... press Enter to stop")

				done := make(chan api.CaptureOutcome, 1)
				waitErr := make(chan error, 1)
				go func() {
					outcome, err := client.WaitCapture(callCtx)
					if err != nil {
						waitErr <- err
						return
					}
					done <- outcome
				}()
				enter := make(chan struct{})
				go func() {
					waitForEnter(cmd.InOrStdin())
					close(enter)
				}()

				select {
				case outcome := <-done:
					printOutcome(out, outcome)
					return nil
				case err := <-waitErr:
					return err
				case <-enter:
				}
				outcome, err := client.StopCapture(callCtx)
				if err != nil {
					return err
				}
				printOutcome(out, outcome)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entryID, "entry", "", "Care entry id the note belongs to")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func waitForEnter(r io.Reader) {
	_, _ = bufio.NewReader(r).ReadString('\n')
}

func printOutcome(out io.Writer, outcome api.CaptureOutcome) {
	switch outcome.State {
	case "done":
		fmt.Fprintf(out, "Processed %.1fs note for %s\n", outcome.DurationSeconds, outcome.EntryID)
	case "queued":
		fmt.Fprintf(out, "Saved offline as %s; it uploads when the connection returns\n", outcome.ArtifactID)
	default:
		fmt.Fprintf(out, "Capture ended in %s: %s\n", outcome.State, orDash(outcome.Message))
	}
	if outcome.AutoStop {
		fmt.Fprintln(out, "Recording stopped at the duration limit")
	}
}

func newCaptureStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the capture pipeline state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.CaptureStatus(cmd.Context())
				if err != nil {
					return err
				}
				printCaptureStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func newCaptureSimpleCommand(ctx *commandContext, use, short string, call func(*api.Client, context.Context) (api.CaptureStatus, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := call(client, cmd.Context())
				if err != nil {
					return err
				}
				printCaptureStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func printCaptureStatus(out io.Writer, status api.CaptureStatus) {
	fmt.Fprintf(out, "State: %s\n", status.State)
	if status.EntryID != "" {
		fmt.Fprintf(out, "Entry: %s\n", status.EntryID)
	}
	if status.ElapsedSeconds > 0 {
		fmt.Fprintf(out, "Elapsed: %.1fs (%d bytes)\n", status.ElapsedSeconds, status.Bytes)
	}
	if status.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", status.Message)
	}
}
