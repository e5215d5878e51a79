package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"carenote/internal/api"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued actions",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueDiscardCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				items, err := client.ListActions(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, items)
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						shortID(item.ID), item.Kind, orDash(item.Target), item.Status,
						fmt.Sprint(item.Attempts), orDash(item.LastError),
					})
				}
				fmt.Fprintln(out, renderTable([]column{
					{title: "ID"}, {title: "Kind"}, {title: "Target"}, {title: "Status"},
					{title: "Attempts", right: true}, {title: "Last error"},
				}, rows))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, abandoned, rejected)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print actions as JSON")
	return cmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var kind, target, payload string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a mutation for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.TrimSpace(payload)
			if body != "" && !json.Valid([]byte(body)) {
				return errors.New("--payload must be valid JSON")
			}
			return ctx.withClient(func(client *api.Client) error {
				action, err := client.EnqueueAction(cmd.Context(), api.EnqueueActionRequest{
					Kind:    kind,
					Target:  target,
					Payload: json.RawMessage(body),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s\n", action.Kind, action.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Action kind, e.g. create_entry")
	cmd.Flags().StringVar(&target, "target", "", "Target record id for updates and deletes")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON body to send")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Return abandoned or rejected actions to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				n, err := client.RetryActions(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d actions\n", n)
				return nil
			})
		},
	}
}

func newQueueDiscardCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Delete an abandoned or rejected action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.DiscardAction(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
				return nil
			})
		},
	}
}
