// AngelaMos | 2026
// status.go

package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/thimblely/thimblely/internal/app"
	"github.com/thimblely/thimblely/internal/session"
)

func statusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who is signed in on this device",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			printState(cmd.OutOrStdout(), a.Sessions.State())
			return nil
		}),
	}
}

func watchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every session change until interrupted",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			changes := make(chan session.State, 16)

			// Holds the update loop until the state is printed.
			unsubscribe := a.Sessions.Subscribe(func(s session.State) {
				select {
				case changes <- s:
				case <-ctx.Done():
				}
			})
			defer unsubscribe()

			printState(out, a.Sessions.State())
			for {
				select {
				case <-ctx.Done():
					return nil
				case s := <-changes:
					printState(out, s)
				}
			}
		}),
	}
}

func printState(w io.Writer, s session.State) {
	switch s.Status() {
	case session.StatusAuthenticated:
		fmt.Fprintf(w, "authenticated: %s (%s)\n", s.User.Email, s.User.ID)
		keys := make([]string, 0, len(s.User.Metadata))
		for k := range s.User.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, s.User.Metadata[k])
		}
	case session.StatusUnauthenticated:
		fmt.Fprintln(w, "unauthenticated")
	default:
		fmt.Fprintln(w, "checking session...")
	}
}
