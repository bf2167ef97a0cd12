// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package updater

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/usedbytes/log"

	"github.com/clarivue/faceid-tools/lib/compat"
	"github.com/clarivue/faceid-tools/lib/device"
	"github.com/clarivue/faceid-tools/lib/image"
	"github.com/clarivue/faceid-tools/lib/serial"
	"github.com/clarivue/faceid-tools/lib/status"
)

// Update lifecycle states.
const (
	StateIdle           = "Idle"
	StateConnected      = "Connected"
	StateValidating     = "Validating"
	StateNegotiating    = "Negotiating"
	StateFlashing       = "Flashing"
	StateAwaitingReboot = "AwaitingReboot"
	StateVerifying      = "Verifying"
	StateDone           = "Done"
	StateFailed         = "Failed"
)

const (
	eventConnect     = "connect"
	eventValidate    = "validate"
	eventNegotiate   = "negotiate"
	eventFlash       = "flash"
	eventAwaitReboot = "await_reboot"
	eventVerify      = "verify"
	eventComplete    = "complete"
	eventFail        = "fail"
)

func newMachine() *fsm.FSM {
	return fsm.NewFSM(StateIdle,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateIdle}, Dst: StateConnected},
			{Name: eventValidate, Src: []string{StateConnected}, Dst: StateValidating},
			{Name: eventNegotiate, Src: []string{StateValidating}, Dst: StateNegotiating},
			{Name: eventFlash, Src: []string{StateNegotiating, StateAwaitingReboot}, Dst: StateFlashing},
			{Name: eventAwaitReboot, Src: []string{StateFlashing}, Dst: StateAwaitingReboot},
			{Name: eventVerify, Src: []string{StateFlashing, StateAwaitingReboot}, Dst: StateVerifying},
			{Name: eventComplete, Src: []string{StateVerifying}, Dst: StateDone},
			{Name: eventFail, Src: []string{
				StateIdle, StateConnected, StateValidating, StateNegotiating,
				StateFlashing, StateAwaitingReboot, StateVerifying,
			}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Verbosef("updater: %s -> %s\n", e.Src, e.Dst)
			},
		})
}

// Updater performs firmware updates against one serial port. It holds no
// cross-session state; each UpdateModules call is a full session.
type Updater struct {
	settings Settings

	// Session plumbing, swappable by tests.
	dial  func(serial.Config) (*device.Controller, error)
	sleep func(time.Duration)
}

// New returns an Updater for the device selected by settings.
func New(settings Settings) *Updater {
	return &Updater{
		settings: settings.withDefaults(),
		dial:     device.Connect,
		sleep:    time.Sleep,
	}
}

type session struct {
	u        *Updater
	machine  *fsm.FSM
	ctrl     *device.Controller
	img      *image.Image
	plan     Plan
	progress *progressTracker
}

func (s *session) to(event string) {
	// Transitions are driven internally in a fixed order, so an illegal
	// one is a bug in this file, not a runtime condition.
	if err := s.machine.Event(context.Background(), event); err != nil {
		panic(errors.Wrapf(err, "illegal transition '%s' from %s", event, s.machine.Current()))
	}
}

func (s *session) fail(st status.Status, err error) Result {
	if s.ctrl != nil {
		s.ctrl.Disconnect()
		s.ctrl = nil
	}
	s.to(eventFail)
	log.Verbosef("updater: failed: %s: %v\n", st, err)
	return Result{
		Status:        st,
		Err:           status.Wrap(st, err),
		FinalProgress: s.progress.last,
	}
}

func (s *session) config() serial.Config {
	return serial.Config{
		Port:     s.u.settings.Port,
		BaudRate: s.u.settings.BaudRate,
		Ext:      s.u.settings.Ext,
	}
}

// UpdateModules runs one full update session: connect, validate binPath,
// negotiate compatibility, flash the planned modules in order, ride out
// the device's self-reset after the operational firmware, and verify.
// An empty plan means every module in the image, in table order.
//
// The call blocks until the session reaches Done or Failed. handler (may
// be nil) sees a non-decreasing progress fraction which hits exactly 1.0
// only on success. There is no mid-flight cancellation: once flashing
// starts the session runs to completion or hard failure.
func (u *Updater) UpdateModules(handler EventHandler, binPath string, plan Plan) Result {
	s := &session{
		u:        u,
		machine:  newMachine(),
		plan:     plan,
		progress: &progressTracker{handler: handler},
	}

	// Idle -> Connected
	ctrl, err := u.dial(s.config())
	if err != nil {
		return s.fail(status.PortOpenError, err)
	}
	s.ctrl = ctrl
	s.to(eventConnect)

	// Connected -> Validating
	s.to(eventValidate)

	img, err := image.Load(binPath)
	if err != nil {
		return s.fail(status.InvalidFirmwareFile, err)
	}
	s.img = img

	serialNumber, err := s.ctrl.QuerySerialNumber()
	if err != nil {
		return s.fail(status.DeviceUnresponsive, err)
	}

	if !encryptionSupported(img, serialNumber) {
		return s.fail(status.EncryptionUnsupported,
			errors.Errorf("device %s cannot decode the image's encrypted modules", serialNumber))
	}

	if len(s.plan.Modules) == 0 {
		for _, m := range img.Modules {
			s.plan.Modules = append(s.plan.Modules, m.Kind)
		}
	}
	for _, kind := range s.plan.Modules {
		if img.Find(kind) == nil {
			return s.fail(status.InvalidFirmwareFile,
				errors.Errorf("plan names module %s which the image does not contain", kind))
		}
	}

	// Validating -> Negotiating. Strictly pre-transfer: a version
	// refusal here leaves zero firmware bytes on the wire.
	s.to(eventNegotiate)

	if !compat.IsFwCompatibleWithHost(img.FirmwareVersion) && !u.settings.ForceVersion {
		return s.fail(status.VersionIncompatible,
			errors.Errorf("firmware %s is not compatible with host %s",
				img.FirmwareVersion, compat.HostVersion()))
	}

	s.progress.total = planBytes(img, s.plan)

	// Negotiating -> Flashing
	s.to(eventFlash)

	for i, kind := range s.plan.Modules {
		mod := img.Find(kind)
		log.Printf("Flashing %s %s (%d bytes)\n", mod.Kind, mod.Version, len(mod.Payload))

		if err := s.flashModule(mod, s.plan.ForceFull); err != nil {
			return s.fail(status.Of(err), err)
		}

		if kind != image.KindOPFW {
			continue
		}

		// The device self-resets after committing operational
		// firmware. Drop the port and supervise it back to life.
		s.ctrl.Disconnect()
		s.ctrl = nil
		s.to(eventAwaitReboot)

		log.Printf("Waiting for device to reboot...\n")
		if !s.waitForDevice() {
			return s.fail(status.DeviceNotRespondingAfterReboot,
				errors.Errorf("device did not respond within %s of reboot", u.settings.MaxRebootWait))
		}

		ctrl, err := u.dial(s.config())
		if err != nil {
			return s.fail(status.DeviceNotRespondingAfterReboot, err)
		}
		s.ctrl = ctrl

		if i < len(s.plan.Modules)-1 {
			// AwaitingReboot -> Flashing for the remaining modules
			s.to(eventFlash)
		}
	}

	// -> Verifying: re-query so the operator learns what the device now
	// reports. A mismatch does not undo a transfer that already
	// happened; it is surfaced, not fatal.
	s.to(eventVerify)

	result := Result{Status: status.Ok}
	if full, err := s.ctrl.QueryFirmwareVersion(); err != nil {
		log.Printf("WARNING: could not re-query firmware version: %v\n", err)
	} else {
		result.VerifiedVersion = device.ExtractVersionToken(full, "OPFW")
		result.Mismatch = result.VerifiedVersion != img.FirmwareVersion
		if result.Mismatch {
			log.Printf("WARNING: device reports OPFW %s, image carries %s\n",
				result.VerifiedVersion, img.FirmwareVersion)
		}
	}

	s.ctrl.Disconnect()
	s.ctrl = nil

	s.progress.finish()
	result.FinalProgress = s.progress.last

	// Verifying -> Done
	s.to(eventComplete)

	return result
}

func encryptionSupported(img *image.Image, serialNumber string) bool {
	tag := image.KeyTag(image.DeriveDeviceKey(serialNumber))
	for _, m := range img.Modules {
		if m.Encrypted && m.KeyTag != tag {
			return false
		}
	}
	return true
}

func planBytes(img *image.Image, plan Plan) int64 {
	var total int64
	for _, kind := range plan.Modules {
		if m := img.Find(kind); m != nil {
			total += int64(len(m.Payload))
		}
	}
	return total
}
