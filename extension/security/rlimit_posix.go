//go:build linux || darwin

package security

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// rlimits are process wide, so concurrent sandboxes share one saved copy of
// the starting values and the last release restores it
var rlimitState struct {
	mu       sync.Mutex
	refs     int
	origAS   unix.Rlimit
	origFile unix.Rlimit
}

type rlimitLimiter struct {
	vms func() (uint64, error)
}

// NewRLimitLimiter creates a limiter using setrlimit. The address space cap
// is the current virtual size plus the memory limit.
func NewRLimitLimiter(sampler Sampler) Limiter {
	l := &rlimitLimiter{}
	if sampler != nil {
		l.vms = sampler.VMS
	}
	return l
}

func (l *rlimitLimiter) Apply(limits Limits) (func() error, error) {
	rlimitState.mu.Lock()
	defer rlimitState.mu.Unlock()

	if rlimitState.refs == 0 {
		if err := unix.Getrlimit(unix.RLIMIT_AS, &rlimitState.origAS); err != nil {
			return nil, fmt.Errorf("getrlimit as: %w", err)
		}
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimitState.origFile); err != nil {
			return nil, fmt.Errorf("getrlimit nofile: %w", err)
		}
	}

	if limits.MaxMemoryMB > 0 && l.vms != nil {
		vms, err := l.vms()
		if err != nil {
			return nil, fmt.Errorf("sample vms: %w", err)
		}
		want := vms + uint64(limits.MaxMemoryMB)*bytesInMB
		lim := unix.Rlimit{Cur: capAt(want, rlimitState.origAS.Max), Max: rlimitState.origAS.Max}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			l.resetLocked()
			return nil, fmt.Errorf("setrlimit as: %w", err)
		}
	}
	if limits.MaxFileDescriptors > 0 {
		lim := unix.Rlimit{
			Cur: capAt(uint64(limits.MaxFileDescriptors), rlimitState.origFile.Max),
			Max: rlimitState.origFile.Max,
		}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			l.resetLocked()
			return nil, fmt.Errorf("setrlimit nofile: %w", err)
		}
	}

	rlimitState.refs++
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			rlimitState.mu.Lock()
			defer rlimitState.mu.Unlock()
			rlimitState.refs--
			if rlimitState.refs == 0 {
				err = l.resetLocked()
			}
		})
		return err
	}, nil
}

// resetLocked restores the saved originals when no other activation holds them
func (l *rlimitLimiter) resetLocked() error {
	if rlimitState.refs > 0 {
		return nil
	}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &rlimitState.origAS); err != nil {
		return fmt.Errorf("restore rlimit as: %w", err)
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimitState.origFile); err != nil {
		return fmt.Errorf("restore rlimit nofile: %w", err)
	}
	return nil
}

func capAt(want, hard uint64) uint64 {
	if want > hard {
		return hard
	}
	return want
}
