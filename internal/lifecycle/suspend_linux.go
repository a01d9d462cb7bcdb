//go:build linux

package lifecycle

import (
	"time"

	"golang.org/x/sys/unix"
)

// sleepGap returns how long the machine has been suspended since boot:
// CLOCK_BOOTTIME counts suspended time and CLOCK_MONOTONIC does not.
func sleepGap() (time.Duration, bool) {
	var boot, mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &boot); err != nil {
		return 0, false
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0, false
	}
	return time.Duration(boot.Nano() - mono.Nano()), true
}
