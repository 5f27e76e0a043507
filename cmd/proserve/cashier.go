package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"proserve/cmd/internal/app"
	"proserve/cmd/internal/cashier"
)

var errNoCashier = errors.New("no active cashier session")

func newCashierCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cashier",
		Short: "Manage the shared cashier session",
		Long: `Manage the cashier session shared by every terminal on the same store.

A session ends after PROSERVE_CASHIER_TIMEOUT (default 15m) without activity.`,
	}
	cmd.AddCommand(
		newCashierStartCmd(c),
		newCashierTouchCmd(c),
		newCashierStatusCmd(c),
		newCashierClearCmd(c),
	)
	return cmd
}

func newCashierStartCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Sign a cashier in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetInt64("id")
			name, _ := cmd.Flags().GetString("name")
			if id <= 0 {
				return fmt.Errorf("--id must be positive, got %d", id)
			}

			return c.withRuntime(cmd, func(rt *app.Runtime) error {
				s := rt.Cashier.Start(id, name)
				printSession(c, s, rt.Cashier.Timeout())
				return nil
			})
		},
	}
	cmd.Flags().Int64("id", 0, "cashier id")
	cmd.Flags().String("name", "", "cashier full name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCashierTouchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "touch",
		Short: "Record cashier activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(rt *app.Runtime) error {
				if !rt.Cashier.Touch() {
					return errNoCashier
				}
				_, _ = fmt.Fprintf(c.out, "activity recorded, %s left\n", rt.Cashier.Remaining().Round(time.Second))
				return nil
			})
		},
	}
}

func newCashierStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cashier session and time left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(rt *app.Runtime) error {
				s, ok := rt.Cashier.Read()
				if !ok {
					return errNoCashier
				}
				printSession(c, s, rt.Cashier.Remaining())
				return nil
			})
		},
	}
}

func newCashierClearCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Sign the cashier out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(rt *app.Runtime) error {
				rt.Cashier.Clear()
				_, _ = fmt.Fprintln(c.out, "cashier signed out")
				return nil
			})
		},
	}
}

func (c *cli) withRuntime(cmd *cobra.Command, fn func(*app.Runtime) error) error {
	rt, err := c.runtime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printSession(c *cli, s cashier.Session, left time.Duration) {
	_, _ = fmt.Fprintf(c.out, "cashier #%d %s, last activity %s, %s left\n",
		s.CashierID, s.FullName, s.LastActivity.Format(time.RFC3339), left.Round(time.Second))
}
