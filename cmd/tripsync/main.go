package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return runCLI(context.Background(), &cli{v: viper.New()}, os.Args[1:], os.Stdout)
}

// runCLI executes one command line and closes the store afterwards,
// whether or not the command failed.
func runCLI(ctx context.Context, c *cli, args []string, out io.Writer) (err error) {
	defer func() {
		if cerr := c.close(); err == nil {
			err = cerr
		}
	}()
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

func newRootCmd(c *cli) *cobra.Command {
	v := c.v

	rootCmd := &cobra.Command{
		Use:   "tripsync",
		Short: "Trip planning client",
		Long: `tripsync talks to the trip planning backend.

Request commands:
  tripsync plan --destination <city>   Create a trip plan
  tripsync show <trip_id>              Show a plan (cached or fetched)
  tripsync health <trip_id>            Show a trip's monitoring health
  tripsync event <trip_id>             Post an external event
  tripsync trips                       List recently planned trips

Realtime commands:
  tripsync watch <trip_id>             Stream a trip's live updates`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v.SetEnvPrefix("TRIPSYNC")
	v.AutomaticEnv()

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (JSON with comments)")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().String("base-url", "", "backend base address, e.g. http://localhost:8000/api/v1")
	_ = v.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))

	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for the trip cache (memory when empty)")
	_ = v.BindPFlag("redis_addr", rootCmd.PersistentFlags().Lookup("redis-addr"))

	rootCmd.PersistentFlags().String("log-level", "", "log level")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newPlanCmd(c))
	rootCmd.AddCommand(newShowCmd(c))
	rootCmd.AddCommand(newHealthCmd(c))
	rootCmd.AddCommand(newEventCmd(c))
	rootCmd.AddCommand(newTripsCmd(c))
	rootCmd.AddCommand(newWatchCmd(c))

	return rootCmd
}
