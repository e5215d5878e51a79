package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"carenote/internal/api"
)

func newAudioCommand(ctx *commandContext) *cobra.Command {
	audioCmd := &cobra.Command{
		Use:   "audio",
		Short: "Inspect and retry offline voice notes",
	}
	audioCmd.AddCommand(newAudioStatusCommand(ctx))
	audioCmd.AddCommand(newAudioListCommand(ctx))
	audioCmd.AddCommand(newAudioRetryCommand(ctx))
	return audioCmd
}

func newAudioStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the offline audio queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.AudioStatus(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Pending:    %d\n", status.Pending)
				fmt.Fprintf(out, "Failed:     %d\n", status.Failed)
				fmt.Fprintf(out, "Total:      %d\n", status.Total)
				fmt.Fprintf(out, "Processing: %s\n", yesNo(status.IsProcessing))
				return nil
			})
		},
	}
}

func newAudioListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded voice notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				items, err := client.ListArtifacts(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, items)
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No voice notes recorded")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						shortID(item.ID), item.EntryID, item.Status,
						fmt.Sprintf("%.1fs", item.DurationSeconds),
						fmt.Sprint(item.Attempts), orDash(item.LastError),
					})
				}
				fmt.Fprintln(out, renderTable([]column{
					{title: "ID"}, {title: "Entry"}, {title: "Status"},
					{title: "Length", right: true}, {title: "Attempts", right: true}, {title: "Last error"},
				}, rows))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print voice notes as JSON")
	return cmd
}

func newAudioRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Return failed voice notes to the upload queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				n, err := client.RetryAudio(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d voice notes\n", n)
				return nil
			})
		},
	}
}
