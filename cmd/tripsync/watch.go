package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/tripsync/internal/binding"
	"github.com/HsiangNianian/tripsync/internal/envelope"
	"github.com/HsiangNianian/tripsync/internal/updates"
	"github.com/HsiangNianian/tripsync/internal/ws"
)

type watchOptions struct {
	metricsAddr    string
	requestUpdates bool
	reconnect      bool
	retryDelay     time.Duration
}

func newWatchCmd(c *cli) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch <trip_id>",
		Short: "Stream a trip's live updates",
		Long: `Open the trip's realtime channel and print every update as it arrives.

The channel is not reopened after a failure unless --reconnect is given;
reconnects are bounded by the configured reconnect budget.

Examples:
  tripsync watch trip-42
  tripsync watch trip-42 --reconnect --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.metricsAddr != "" {
				srv := a.serveMetrics(opts.metricsAddr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			b, err := a.binding()
			if err != nil {
				return err
			}
			defer b.Release()
			return watchTrip(ctx, b, args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	cmd.Flags().BoolVar(&opts.requestUpdates, "request-updates", true, "ask for the current updates once the channel opens")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", false, "reopen the channel after it fails")
	cmd.Flags().DurationVar(&opts.retryDelay, "retry-delay", 2*time.Second, "pause before each reconnect")
	return cmd
}

func (a *app) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.WithField("addr", addr).Info("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}

// watchTrip prints the trip's updates until ctx ends or the channel
// finishes. It returns the channel's failure when it ends in error and
// reconnecting is off or exhausted.
func watchTrip(ctx context.Context, b *binding.Binding, tripID string, opts watchOptions, out io.Writer) error {
	st, err := b.StartMonitoring(ctx, tripID)
	if err != nil {
		if !opts.reconnect {
			return err
		}
		fmt.Fprintf(out, "connect failed: %v\n", err)
		if st, err = reopen(ctx, b, tripID, opts.retryDelay, out); err != nil || ctx.Err() != nil {
			return err
		}
	}
	askedFor := false
	if opts.requestUpdates && st == ws.Open {
		askedFor = b.RequestUpdates(tripID) == nil
	}

	printed := 0
	last := st
	for {
		select {
		case <-ctx.Done():
			b.StopMonitoring(tripID)
			return nil
		case <-b.Changes():
		}

		s := b.CurrentState()
		printed = printUpdates(out, s.Updates, printed)
		if s.ChannelState == last {
			continue
		}
		last = s.ChannelState
		fmt.Fprintf(out, "channel %s\n", last)

		switch last {
		case ws.Open:
			if opts.requestUpdates && !askedFor {
				askedFor = b.RequestUpdates(tripID) == nil
			}
		case ws.Closed, ws.Errored:
			if !opts.reconnect {
				if last == ws.Errored {
					return channelError(s.ChannelFailure)
				}
				return nil
			}
			askedFor = false
			st, err := reopen(ctx, b, tripID, opts.retryDelay, out)
			if err != nil || ctx.Err() != nil {
				return err
			}
			last = st
			if opts.requestUpdates && st == ws.Open {
				askedFor = b.RequestUpdates(tripID) == nil
			}
		}
	}
}

// reopen reconnects until the channel is live, the budget runs out or ctx
// ends.
func reopen(ctx context.Context, b *binding.Binding, tripID string, delay time.Duration, out io.Writer) (ws.State, error) {
	for {
		select {
		case <-ctx.Done():
			return ws.Closed, nil
		case <-time.After(delay):
		}
		st, err := b.Reconnect(ctx, tripID)
		if err == nil || st.Live() {
			fmt.Fprintf(out, "channel %s\n", st)
			return st, nil
		}
		if errors.Is(err, binding.ErrReconnectLimited) {
			return st, err
		}
		if ctx.Err() != nil {
			return ws.Closed, nil
		}
		fmt.Fprintf(out, "reconnect failed: %v\n", err)
	}
}

func channelError(f *envelope.Failure) error {
	if f == nil {
		return errors.New("channel errored")
	}
	return f
}

func printUpdates(out io.Writer, recs []updates.Record, from int) int {
	if from > len(recs) {
		from = 0
	}
	for _, rec := range recs[from:] {
		fmt.Fprintf(out, "%s [%s] %s %s\n",
			rec.ReceivedAt.Format(time.RFC3339), rec.Severity(), rec.Type, rec.Message())
	}
	return len(recs)
}
