// Package sysplatform provides the small ambient platform.Clock, platform.RNG
// and platform.TCPStreamManager adapters every sample accessory needs to run
// for real, over nothing but the standard library. None of these are core
// concerns (spec.md §6 places timers, randomness and socket I/O out of
// scope), so unlike internal/bleperiph or internal/kvstore they have no
// third-party library to wire -- wall-clock time, CSPRNG bytes and TCP
// accept/read/write are exactly what crypto/rand, time and net already do.
package sysplatform

import (
	"time"

	"github.com/jwoglom/haprt/pkg/platform"
)

// SystemClock is the real wall-clock platform.Clock, backing every cmd/
// sample accessory. Tests use their own fake clocks instead (see
// pkg/session/session_test.go) to avoid depending on wall-clock timing.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) platform.Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) Stop() bool                   { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool    { return s.t.Reset(d) }
