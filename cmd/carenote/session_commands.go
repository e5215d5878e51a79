package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"carenote/internal/api"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the signed-in session",
	}
	sessionCmd.AddCommand(newSessionLoginCommand(ctx))
	sessionCmd.AddCommand(newSessionLogoutCommand(ctx))
	sessionCmd.AddCommand(newSessionTouchCommand(ctx))
	return sessionCmd
}

func newSessionLoginCommand(ctx *commandContext) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Install a server token and start the inactivity timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.TrimSpace(token)
			if value == "" {
				value = strings.TrimSpace(os.Getenv("CARENOTE_SERVER_TOKEN"))
			}
			if value == "" {
				return errors.New("provide --token or set CARENOTE_SERVER_TOKEN")
			}
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.StartSession(cmd.Context(), value)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session active: %s\n", yesNo(status.Active))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token issued by the server")
	return cmd
}

func newSessionLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Logout(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func newSessionTouchCommand(ctx *commandContext) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "touch",
		Short: "Report user activity and reset the inactivity timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				accepted, err := client.Touch(cmd.Context(), kind)
				if err != nil {
					return err
				}
				if !accepted {
					return fmt.Errorf("activity %q was not accepted (no active session or unknown kind)", kind)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Activity recorded")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "key", "Activity kind: pointer, key, scroll, or touch")
	return cmd
}
