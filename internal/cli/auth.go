// AngelaMos | 2026
// auth.go

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thimblely/thimblely/internal/app"
	"github.com/thimblely/thimblely/internal/authclient"
)

var (
	errEmailRequired    = errors.New("--email is required")
	errPasswordRequired = errors.New("a password is required")
)

type credentials struct {
	email         string
	password      string
	passwordStdin bool
}

func (c *credentials) bind(cmd *cobra.Command, withPassword bool) {
	cmd.Flags().StringVarP(&c.email, "email", "e", "", "account email")
	if !withPassword {
		return
	}
	cmd.Flags().StringVarP(&c.password, "password", "p", "", "account password")
	cmd.Flags().BoolVar(&c.passwordStdin, "password-stdin", false, "read the password from stdin")
}

func (c *credentials) resolve(cmd *cobra.Command, withPassword bool) error {
	c.email = strings.TrimSpace(c.email)
	if c.email == "" {
		return errEmailRequired
	}
	if !withPassword {
		return nil
	}
	if c.passwordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		c.password = strings.TrimRight(line, "\r\n")
	}
	if c.password == "" {
		return errPasswordRequired
	}
	return nil
}

func signUpCmd(e *env) *cobra.Command {
	var (
		creds credentials
		meta  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and send a verification code",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := creds.resolve(cmd, true); err != nil {
				return err
			}

			metadata := make(map[string]any, len(meta))
			for k, v := range meta {
				metadata[k] = v
			}

			res := a.Sessions.SignUp(cmd.Context(), creds.email, creds.password, metadata)
			if !res.Success {
				return explain(res.Error)
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Verification code sent to %s. Run: thimblely verify --email %s --code <code>\n",
				res.Data.User.Email,
				res.Data.User.Email,
			)
			return nil
		}),
	}
	creds.bind(cmd, true)
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "profile metadata as key=value (repeatable)")
	return cmd
}

func verifyCmd(e *env) *cobra.Command {
	var (
		creds credentials
		code  string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Confirm an email with the code that was sent to it",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := creds.resolve(cmd, false); err != nil {
				return err
			}
			if strings.TrimSpace(code) == "" {
				return errors.New("--code is required")
			}

			res := a.Sessions.VerifyOTP(cmd.Context(), creds.email, strings.TrimSpace(code))
			if !res.Success {
				return explain(res.Error)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Email confirmed. Signed in as %s\n", res.Data.User.Email)
			return nil
		}),
	}
	creds.bind(cmd, false)
	cmd.Flags().StringVar(&code, "code", "", "verification code")
	return cmd
}

func resendCmd(e *env) *cobra.Command {
	var creds credentials

	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Send a new verification code",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := creds.resolve(cmd, false); err != nil {
				return err
			}

			res := a.Sessions.ResendOTP(cmd.Context(), creds.email)
			if !res.Success {
				return explain(res.Error)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "If the account is awaiting confirmation, a new code is on its way.")
			return nil
		}),
	}
	creds.bind(cmd, false)
	return cmd
}

func loginCmd(e *env) *cobra.Command {
	var creds credentials

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := creds.resolve(cmd, true); err != nil {
				return err
			}

			res := a.Sessions.SignIn(cmd.Context(), creds.email, creds.password)
			if !res.Success {
				return explain(res.Error)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", res.Data.User.Email)
			return nil
		}),
	}
	creds.bind(cmd, true)
	return cmd
}

func logoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out on this device",
		Args:  cobra.NoArgs,
		RunE: e.run(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if !a.Sessions.State().IsAuthenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return nil
			}

			res := a.Sessions.SignOut(cmd.Context())
			if !res.Success {
				return explain(res.Error)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		}),
	}
}

// explain turns identity service failures into something a person at a
// terminal can act on.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case authclient.IsInvalidCredentials(err):
		return errors.New("invalid email or password")
	case authclient.IsEmailNotConfirmed(err):
		return errors.New("email not confirmed yet; run thimblely verify or thimblely resend")
	case authclient.IsRateLimited(err):
		return fmt.Errorf("too many attempts, try again shortly: %w", err)
	default:
		return err
	}
}
