// AngelaMos | 2026
// root.go

package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/thimblely/thimblely/internal/app"
	"github.com/thimblely/thimblely/internal/config"
)

// Factory builds the application context for a single command run.
type Factory func(ctx context.Context, cfg *config.ClientConfig) (*app.App, error)

type env struct {
	configPath string
	factory    Factory
	cfg        *config.ClientConfig
}

type runFunc func(cmd *cobra.Command, a *app.App, args []string) error

// run opens the application context around fn and always closes it,
// including when fn fails.
func (e *env) run(fn runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := e.factory(cmd.Context(), e.cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func Execute(ctx context.Context) error {
	return NewRootCommand(app.New).ExecuteContext(ctx)
}

func NewRootCommand(factory Factory) *cobra.Command {
	e := &env{factory: factory}

	root := &cobra.Command{
		Use:          "thimblely",
		Short:        "Sign in to Thimblely and manage this device's session",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.LoadClient(e.configPath)
			if err != nil {
				return err
			}
			e.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVarP(
		&e.configPath,
		"config",
		"c",
		"thimblely.yaml",
		"path to client config file",
	)

	root.AddCommand(
		signUpCmd(e),
		verifyCmd(e),
		resendCmd(e),
		loginCmd(e),
		logoutCmd(e),
		statusCmd(e),
		watchCmd(e),
	)
	return root
}
