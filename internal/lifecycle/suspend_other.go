//go:build !linux

package lifecycle

import "time"

func sleepGap() (time.Duration, bool) { return 0, false }
