// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package updater

import (
	"time"

	"github.com/usedbytes/log"
)

// WaitForDevice supervises a rebooting device: it sleeps through minWait
// (the device cannot be up yet, don't poke the port), then calls alive
// once per poll interval until the device answers or maxWait has elapsed
// in total. Both bounds are hard: no ping before minWait, no waiting past
// maxWait.
func WaitForDevice(alive func() bool, minWait, maxWait, poll time.Duration, sleep func(time.Duration)) bool {
	sleep(minWait)

	for waited := minWait; ; waited += poll {
		if alive() {
			log.Verbosef("updater: device alive after %s\n", waited)
			return true
		}
		if waited >= maxWait {
			return false
		}
		sleep(poll)
	}
}

func (s *session) waitForDevice() bool {
	alive := func() bool {
		ctrl, err := s.u.dial(s.config())
		if err != nil {
			return false
		}
		defer ctrl.Disconnect()

		ok, _ := ctrl.Ping()
		return ok
	}

	set := s.u.settings
	return WaitForDevice(alive, set.MinRebootWait, set.MaxRebootWait, set.PollInterval, s.u.sleep)
}
