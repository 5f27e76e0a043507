package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"proserve/cmd/internal/app"
	"proserve/cmd/internal/bus"
)

var errRelayLost = errors.New("relay connection lost")

func newWatchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow cross-terminal changes and expiry notices",
		Long: `Print every storage change made by other terminals, cashier session
transitions and session-expiry notices until interrupted.

Every --check-interval the cashier session is re-read (ending it when idle
too long) and, when signed in, the identity is re-fetched so an expired
sign-in surfaces as a notice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			interval, _ := cmd.Flags().GetDuration("check-interval")
			return c.withRuntime(cmd, func(rt *app.Runtime) error {
				return c.watch(cmd.Context(), rt, interval)
			})
		},
	}
	cmd.Flags().Duration("check-interval", 30*time.Second, "how often to re-check the cashier and sign-in sessions")
	return cmd
}

func (c *cli) watch(ctx context.Context, rt *app.Runtime, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	out := &syncWriter{w: c.out}
	printf := func(format string, args ...any) {
		_, _ = fmt.Fprintf(out, format, args...)
	}

	dim := color.New(color.Faint)
	offStorage := rt.Bus.OnStorage(func(ch bus.Change) {
		if ch.Removed {
			printf("%s %s removed by %s\n", dim.Sprint(ch.At.Format(time.TimeOnly)), ch.Key, ch.Origin)
			return
		}
		printf("%s %s=%q by %s\n", dim.Sprint(ch.At.Format(time.TimeOnly)), ch.Key, ch.NewValue, ch.Origin)
	})
	defer offStorage()

	offCashier := rt.Cashier.Watch(func() {
		if s, ok := rt.Cashier.Read(); ok {
			printf("cashier #%d %s active\n", s.CashierID, s.FullName)
			return
		}
		printf("cashier signed out\n")
	})
	defer offCashier()

	notice := app.NewNotice(rt.Expiry, out, rt.Config().RedirectDelay, func() {
		printf("sign in again: proserve login -u <username>\n")
	})
	defer notice.Close()

	if err := rt.Session.Init(ctx); err != nil {
		c.log.Info("watch.session.init", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				c.check(gctx, rt)
			}
		}
	})

	if ws, ok := rt.Transport.(*bus.WSTransport); ok {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-ws.Done():
				return errRelayLost
			}
		})
	}

	c.log.Info("watch.start", "origin", rt.Bus.Origin(), "interval", interval)
	err := g.Wait()
	c.log.Info("watch.stop")
	return err
}

// check enforces the cashier idle limit and probes the sign-in session.
func (c *cli) check(ctx context.Context, rt *app.Runtime) {
	rt.Cashier.Read()

	if !rt.Session.State().Authenticated() {
		return
	}
	if err := rt.Session.RefreshUser(ctx); err != nil {
		c.log.Info("watch.session.check.fail", "err", err)
	}
}

// syncWriter serializes writes from bus, cashier and expiry callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
