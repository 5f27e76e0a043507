package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"proserve/cmd/internal/auth/identity"
)

var errNotSignedIn = errors.New("not signed in")

func newLoginCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in against the identity API",
		Long: `Sign in and load the current user.

The password is read from PROSERVE_PASSWORD when set, otherwise from the
first line of stdin. Session cookies are kept in PROSERVE_COOKIE_FILE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, err := c.readPassword()
			if err != nil {
				return err
			}

			c.cfg.LoginView = true
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Session.Login(cmd.Context(), identity.Credentials{Username: username, Password: password}); err != nil {
				return err
			}

			id := rt.Session.State().Identity
			_, _ = fmt.Fprintf(c.out, "signed in as %s (#%d)\n", displayName(id), id.ID)
			return nil
		},
	}

	cmd.Flags().StringP("username", "u", "", "username")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in identity as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			err = rt.Session.Init(cmd.Context())
			st := rt.Session.State()
			if !st.Authenticated() {
				if err != nil {
					return fmt.Errorf("%w: %w", errNotSignedIn, err)
				}
				return errNotSignedIn
			}

			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(st.Identity)
		},
	}
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget cached ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.cfg.LoginView = true
			rt, err := c.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Local state is cleared even when the server call fails.
			if err := rt.Session.Logout(cmd.Context()); err != nil {
				c.log.Warn("cli.logout.remote_fail", "err", err)
			}
			_, _ = fmt.Fprintln(c.out, "signed out")
			return nil
		},
	}
}

func (c *cli) readPassword() (string, error) {
	if pw := os.Getenv("PROSERVE_PASSWORD"); pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(c.in).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return "", identity.ErrMissingCredentials
	}
	return line, nil
}

func displayName(id *identity.Identity) string {
	switch {
	case id == nil:
		return ""
	case id.Name != "":
		return id.Name
	case id.Username != "":
		return id.Username
	default:
		return id.Email
	}
}
