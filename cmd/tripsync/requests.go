package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/HsiangNianian/tripsync/internal/store"
	"github.com/HsiangNianian/tripsync/internal/tripapi"
)

func newPlanCmd(c *cli) *cobra.Command {
	var req tripapi.PlanRequest

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create a trip plan",
		Long: `Create a trip plan and cache it locally.

Examples:
  tripsync plan --destination Lisbon --days 4
  tripsync plan --destination Kyoto --start 2026-11-02 --end 2026-11-06 --vibes culture,food`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.load()
			if err != nil {
				return err
			}
			env := a.gateway.Send(cmd.Context(), tripapi.CreatePlan(req))
			if !env.OK {
				return env.Err()
			}
			if id := gjson.GetBytes(env.Value, "trip_id").String(); id != "" {
				if err := store.RememberTrip(cmd.Context(), a.store, id); err != nil {
					a.log.WithError(err).Warn("remember trip failed")
				}
				if err := store.SavePlan(cmd.Context(), a.store, id, env.Value); err != nil {
					a.log.WithError(err).Warn("cache plan failed")
				}
			}
			return printJSON(cmd.OutOrStdout(), env.Value)
		},
	}

	cmd.Flags().StringVar(&req.Destination, "destination", "", "destination city or region")
	cmd.Flags().StringVar(&req.Origin, "origin", "", "origin city")
	cmd.Flags().IntVar(&req.DurationDays, "days", 3, "trip length in days")
	cmd.Flags().StringVar(&req.Dates.Start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.Dates.End, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&req.Travelers, "travelers", 1, "number of travelers")
	cmd.Flags().Float64Var(&req.Budget, "budget", 0, "total budget")
	cmd.Flags().StringVar(&req.Currency, "currency", "", "budget currency")
	cmd.Flags().StringSliceVar(&req.Vibes, "vibes", nil, "trip vibes")
	cmd.Flags().StringSliceVar(&req.Interests, "interests", nil, "interests")
	cmd.Flags().BoolVar(&req.RealtimeUpdates, "realtime", true, "ask the backend to monitor the trip")
	_ = cmd.MarkFlagRequired("destination")

	return cmd
}

func newShowCmd(c *cli) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "show <trip_id>",
		Short: "Show a trip plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load()
			if err != nil {
				return err
			}
			tripID := args[0]
			if !refresh {
				plan, ok, err := store.LoadPlan(cmd.Context(), a.store, tripID)
				if err != nil {
					a.log.WithError(err).Warn("read plan cache failed")
				} else if ok {
					return printJSON(cmd.OutOrStdout(), plan)
				}
			}
			env := a.gateway.Send(cmd.Context(), tripapi.GetPlan(tripID))
			if !env.OK {
				return env.Err()
			}
			if err := store.SavePlan(cmd.Context(), a.store, tripID, env.Value); err != nil {
				a.log.WithError(err).Warn("cache plan failed")
			}
			return printJSON(cmd.OutOrStdout(), env.Value)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "skip the local cache")
	return cmd
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health <trip_id>",
		Short: "Show a trip's monitoring health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load()
			if err != nil {
				return err
			}
			env := a.gateway.Send(cmd.Context(), tripapi.TripHealth(args[0]))
			if !env.OK {
				return env.Err()
			}
			return printJSON(cmd.OutOrStdout(), env.Value)
		},
	}
}

func newEventCmd(c *cli) *cobra.Command {
	var ev tripapi.Event

	cmd := &cobra.Command{
		Use:   "event <trip_id>",
		Short: "Post an external event for a trip",
		Long: `Post an external event (weather, closure, delay) for a trip.

Example:
  tripsync event trip-42 --type weather_alert --message "storm warning" --severity high`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.load()
			if err != nil {
				return err
			}
			env := a.gateway.Send(cmd.Context(), tripapi.PostEvent(args[0], ev))
			if !env.OK {
				return env.Err()
			}
			return printJSON(cmd.OutOrStdout(), env.Value)
		},
	}
	cmd.Flags().StringVar(&ev.Type, "type", "", "event type")
	cmd.Flags().StringVar(&ev.Message, "message", "", "event message")
	cmd.Flags().StringVar(&ev.Severity, "severity", "", "event severity")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newTripsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "trips",
		Short: "List recently planned trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.load()
			if err != nil {
				return err
			}
			ids, err := store.RecentTrips(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
