// Devlink is the device daemon entry point.
//
// It serves the control, camera, media and telemetry WebSocket endpoints on one
// HTTP port and, when the device document enables it, keeps outbound tunnels
// to a cloud relay so remote UIs reach the same commands.
//
// Flags default from DEVLINK_* environment variables; a .env file in the
// working directory is loaded first when present.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/devlink/internal/app"
	"github.com/1ureka/devlink/internal/config"
	"github.com/1ureka/devlink/internal/device"
	"github.com/1ureka/devlink/internal/util"
)

func main() {
	_ = godotenv.Load()

	var cfg config.Config

	root := &cobra.Command{
		Use:           "devlink",
		Short:         "Device control daemon with LAN WebSocket endpoints and cloud tunnels",
		Version:       device.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Debug {
				util.EnableDebug()
			}

			pterm.Info.Printfln("Devlink v%s", device.Version)
			pterm.Println()

			// Root context, cancelled on Ctrl+C or SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := app.New(cfg)
			if err != nil {
				return err
			}
			if err := d.Run(ctx); err != nil {
				return err
			}
			util.LogInfo("shut down cleanly")
			return nil
		},
	}

	f := root.Flags()
	f.StringVarP(&cfg.ListenAddr, "listen", "l", config.EnvOr(config.EnvListen, ":8080"), "HTTP listen address")
	f.StringVarP(&cfg.ConfigPath, "config", "c", config.EnvOr(config.EnvConfig, "devlink.json"), "device configuration document")
	f.StringVar(&cfg.LogFile, "log-file", config.EnvOr(config.EnvLogFile, ""), "mirror logs to this file (overrides log.file)")
	f.StringVar(&cfg.DeviceID, "device-id", config.EnvOr(config.EnvDeviceID, ""), "cloud device ID (overrides cloudTunnel.deviceId)")
	f.BoolVar(&cfg.Debug, "debug", config.EnvBool(config.EnvDebug, false), "enable debug logging and the HTTP access log")

	if err := root.Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
