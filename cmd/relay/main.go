// Relay is the cloud rendezvous entry point.
//
// Devices dial /ws/device/{id} and stay connected; a UI dials /ws/ui/{id}
// with the device token or a one-time claim code and is bridged to it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/devlink/internal/config"
	"github.com/1ureka/devlink/internal/relay"
	"github.com/1ureka/devlink/internal/util"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var (
		addr string
		opts relay.Options
	)

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Devlink cloud relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Debug {
				util.EnableDebug()
			}

			pterm.Info.Printfln("Devlink relay v%s", version)
			pterm.Println()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			util.StartStatsReporter(ctx)
			return relay.New(opts).Run(ctx, addr)
		},
	}

	f := root.Flags()
	f.StringVarP(&addr, "listen", "l", config.EnvOr("RELAY_LISTEN", ":8787"), "HTTP listen address")
	f.StringVar(&opts.PublicBaseURL, "public-url", config.EnvOr("RELAY_PUBLIC_URL", ""), "base URL advertised to devices (default: from request headers)")
	f.StringVar(&opts.DeviceToken, "device-token", config.EnvOr("RELAY_DEVICE_TOKEN", ""), "token every device must present")
	f.StringVar(&opts.UIToken, "ui-token", config.EnvOr("RELAY_UI_TOKEN", ""), "token every UI must present")
	f.DurationVar(&opts.ClaimTTL, "claim-ttl", 10*time.Minute, "lifetime of announced claim codes")
	f.DurationVar(&opts.PingInterval, "ping-interval", 30*time.Second, "device keepalive interval")
	f.BoolVar(&opts.Debug, "debug", config.EnvBool("RELAY_DEBUG", false), "enable debug logging and the HTTP access log")

	if err := root.Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
