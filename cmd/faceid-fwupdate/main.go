// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/usedbytes/log"

	"github.com/clarivue/faceid-tools/lib/device"
	"github.com/clarivue/faceid-tools/lib/image"
	"github.com/clarivue/faceid-tools/lib/serial"
)

func infoAction(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("INPUT_FILE is required")
	}

	info, err := image.ExtractFwInformation(ctx.Args().First())
	if err != nil {
		return err
	}

	log.Printf("Firmware version:    %s\n", info.FirmwareVersion)
	log.Printf("Recognition version: %s\n", info.RecognitionVersion)
	log.Printf("Modules:\n")
	for _, name := range info.ModuleNames {
		log.Printf("   %s\n", name)
	}

	return nil
}

func packAction(ctx *cli.Context) error {
	if ctx.Args().Len() != 2 {
		return fmt.Errorf("MANIFEST and OUTPUT_FILE are required")
	}

	img, err := image.LoadManifest(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	out := ctx.Args().Get(1)
	if err := image.Write(out, img); err != nil {
		return err
	}

	log.Printf("Packed %d modules into %s\n", len(img.Modules), out)
	return nil
}

func pingAction(ctx *cli.Context) error {
	ctrl, err := device.Connect(serial.Config{Port: ctx.String("port")})
	if err != nil {
		return err
	}
	defer ctrl.Disconnect()

	alive, err := ctrl.Ping()
	if err != nil {
		return err
	}
	if !alive {
		return cli.Exit("no response", 1)
	}

	// The controller holds the port exclusively; a second open would fail.
	md := ctrl.Metadata()
	log.Printf("S/N: %s FW: %s RECOG: %s\n",
		md.SerialNumber, md.FirmwareVersion, md.RecognitionVersion)
	log.Println("alive")

	return nil
}

func main() {
	app := &cli.App{
		Name:  "faceid-fwupdate",
		Usage: "Firmware update tool for serial face-authentication devices",
		// Just ignore errors - we'll handle them ourselves in main()
		ExitErrHandler: func(c *cli.Context, e error) {},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:     "verbose",
				Aliases:  []string{"v"},
				Usage:    "Enable more output",
				Required: false,
				Value:    false,
			},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "update",
			Usage:  "Update device firmware from an image file",
			Action: updateAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "file",
					Usage:    "Path to the firmware image",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "port",
					Usage: "Serial port of the device (auto-discovery when absent)",
				},
				&cli.BoolFlag{
					Name:  "force-full",
					Usage: "Rewrite every block even when checksums already match",
				},
				&cli.BoolFlag{
					Name:  "force-version",
					Usage: "Proceed even when the new firmware is incompatible with this host",
				},
				&cli.BoolFlag{
					Name:  "interactive",
					Usage: "Ask for confirmation before starting",
				},
				&cli.BoolFlag{
					Name:  "auto-approve",
					Usage: "Approve all prompts automatically",
				},
			},
		},
		{
			Name:      "info",
			Usage:     "Print the metadata of a firmware image",
			ArgsUsage: "INPUT_FILE",
			Action:    infoAction,
		},
		{
			Name:      "pack",
			Usage:     "Build a firmware image from a TOML manifest",
			ArgsUsage: "MANIFEST OUTPUT_FILE",
			Action:    packAction,
		},
		{
			Name:   "ping",
			Usage:  "Check that a device answers on a port",
			Action: pingAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "port",
					Usage:    "Serial port of the device",
					Required: true,
				},
			},
		},
	}

	app.Before = func(ctx *cli.Context) error {
		log.SetUseLog(false)
		log.SetVerbose(ctx.Bool("verbose"))
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Println("ERROR:", err)
		if v, ok := err.(cli.ExitCoder); ok {
			os.Exit(v.ExitCode())
		} else {
			os.Exit(1)
		}
	}
}
