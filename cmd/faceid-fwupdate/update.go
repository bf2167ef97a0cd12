// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"
	"github.com/usedbytes/log"

	"github.com/clarivue/faceid-tools/lib/compat"
	"github.com/clarivue/faceid-tools/lib/device"
	"github.com/clarivue/faceid-tools/lib/image"
	"github.com/clarivue/faceid-tools/lib/serial"
	"github.com/clarivue/faceid-tools/lib/status"
	"github.com/clarivue/faceid-tools/lib/updater"
)

var stdin = bufio.NewReader(os.Stdin)

func askYesNo(prompt string) bool {
	log.Println(prompt, "(y/n)")
	for {
		log.Printf("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return false
		}
		switch strings.TrimSpace(line) {
		case "y":
			return true
		case "n":
			return false
		}
	}
}

type candidate struct {
	port     string
	metadata device.Metadata
}

func selectDevice(devices []candidate) int {
	log.Println("Detected devices:")
	for i, d := range devices {
		log.Printf(" %d) S/N: %s FW: %s Port: %s\n",
			i+1, d.metadata.SerialNumber, d.metadata.FirmwareVersion, d.port)
	}

	for {
		log.Printf("> ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return 0
		}
		idx, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && idx >= 1 && idx <= len(devices) {
			return idx - 1
		}
	}
}

func populateDevices(ctx *cli.Context) ([]candidate, error) {
	if port := ctx.String("port"); port != "" {
		log.Println("Using manual device selection...")
		md, err := device.QueryMetadata(serial.Config{Port: port})
		if err != nil {
			return nil, err
		}
		return []candidate{{port: port, metadata: md}}, nil
	}

	log.Println("Using device auto detection...")
	ports, err := device.Discover()
	if err != nil {
		return nil, err
	}

	var devices []candidate
	for _, port := range ports {
		md, err := device.QueryMetadata(serial.Config{Port: port})
		if err != nil {
			log.Verbosef("skipping %s: %v\n", port, err)
			continue
		}
		devices = append(devices, candidate{port: port, metadata: md})
	}

	return devices, nil
}

func updateAction(ctx *cli.Context) error {
	interactive := ctx.Bool("interactive")
	autoApprove := ctx.Bool("auto-approve")
	if interactive && autoApprove {
		return fmt.Errorf("--interactive and --auto-approve do not co-exist, choose either or none")
	}

	devices, err := populateDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return cli.Exit("No devices found!", 1)
	}

	id := 0
	if len(devices) > 1 {
		id = selectDevice(devices)
	}
	selected := devices[id]

	binPath := ctx.String("file")
	info, err := image.ExtractFwInformation(binPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid firmware file: %v", err), 1)
	}

	supported, err := image.IsEncryptionSupported(binPath, selected.metadata.SerialNumber)
	if err != nil {
		return err
	}
	if !supported {
		return cli.Exit("Device does not support the encryption applied on the firmware. Replace firmware binary.", 1)
	}

	currentCompatible := compat.IsFwCompatibleWithHost(selected.metadata.FirmwareVersion)
	newCompatible := compat.IsFwCompatibleWithHost(info.FirmwareVersion)
	databaseCompatible := compat.IsDatabaseCompatible(
		selected.metadata.RecognitionVersion, info.RecognitionVersion)

	log.Println()
	log.Println("Summary:")
	log.Printf(" * Serial number: %s\n", selected.metadata.SerialNumber)
	log.Printf(" * Serial port: %s\n", selected.port)
	log.Printf(" * Host version: %s\n", compat.HostVersion())
	log.Printf(" * %s with current device firmware\n", compatWord(currentCompatible))
	log.Printf(" * %s with new device firmware\n", compatWord(newCompatible))
	log.Println(" * Firmware update path:")
	log.Printf("     * OPFW: %s -> %s\n", selected.metadata.FirmwareVersion, info.FirmwareVersion)
	log.Printf("     * RECOG: %s -> %s\n", selected.metadata.RecognitionVersion, info.RecognitionVersion)
	log.Println()

	if interactive && !askYesNo("Proceed with update?") {
		log.Println("Update rejected")
		return cli.Exit(status.UserAborted.String(), 1)
	}

	if !newCompatible && !ctx.Bool("force-version") {
		log.Println("Version is incompatible with the current host version!")
		return cli.Exit("Use --force-version to force the update.", 1)
	}

	updateRecognition := resolveRecognitionUpdate(databaseCompatible, autoApprove, askYesNo)

	plan := updater.Plan{ForceFull: ctx.Bool("force-full")}
	for _, name := range info.ModuleNames {
		kind, err := image.ParseModuleKind(name)
		if err != nil {
			return err
		}
		if kind == image.KindRECOG && !updateRecognition {
			continue
		}
		plan.Modules = append(plan.Modules, kind)
	}

	bar := pb.New(progressUnits)
	bar.Start()
	handler := updater.EventHandlerFunc(func(p float64) {
		bar.SetCurrent(int64(p * progressUnits))
	})

	u := updater.New(updater.Settings{
		Port:         selected.port,
		ForceVersion: ctx.Bool("force-version"),
	})
	result := u.UpdateModules(handler, binPath, plan)
	bar.Finish()

	if result.Status != status.Ok {
		log.Println("Firmware update failed:", result.Err)
		return cli.Exit(result.Status.String(), 1)
	}

	if result.Mismatch {
		log.Printf("WARNING: device reports OPFW %s after update\n", result.VerifiedVersion)
	}
	log.Println("Firmware update finished successfully")

	return nil
}

const progressUnits = 1000

// resolveRecognitionUpdate decides whether the recognition module stays in
// the plan. A compatible database keeps it without asking; an incompatible
// one invalidates the enrolled faceprints, so the operator must approve the
// wipe unless --auto-approve was given.
func resolveRecognitionUpdate(dbCompatible, autoApprove bool, ask func(string) bool) bool {
	if dbCompatible {
		return true
	}

	log.Println("The new recognition model invalidates the enrolled faceprints database.")
	if autoApprove {
		log.Println("Clear faceprints database and update the recognition module? Auto approve: (y)")
		return true
	}
	return ask("Clear faceprints database and update the recognition module?")
}

func compatWord(ok bool) string {
	if ok {
		return "Compatible"
	}
	return "Incompatible"
}
