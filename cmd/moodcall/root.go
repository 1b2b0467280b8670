package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkeye/moodcall/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	v       = config.New()
	cfgFile string
	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "moodcall",
	Short: "1:1 audio/video calls over a moodcall relay",
	Long: `moodcall places and answers peer-to-peer calls. The relay only carries
signaling; media flows directly between the two peers.

Examples:
  moodcall listen --user bob
  moodcall call bob --user alice --name Alice
  moodcall join 6f1c... --user bob --record ./recordings`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		c, err := config.LoadWith(v, cfgFile)
		if err != nil {
			return err
		}
		if c.Call.User == "" {
			return fmt.Errorf("--user is required")
		}
		cfg = c
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	f.String("relay", "", "relay websocket url")
	f.String("user", "", "your user id")
	f.String("name", "", "display name shown to the callee")
	f.String("devices", "", "capture devices: synthetic or hardware")
	f.String("record", "", "directory to record remote tracks into")

	for key, flag := range map[string]string{
		"call.relay_url": "relay",
		"call.user":      "user",
		"call.name":      "name",
		"call.devices":   "devices",
		"call.record":    "record",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(callCmd, joinCmd, listenCmd)
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("moodcall")
		cancel()
		os.Exit(1)
	}
}
