package presence

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"pairhub/cmd/identity"
	v1 "pairhub/contracts/realtime/v1"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfoProvider returns the latest server health snapshot.
type SystemInfoProvider interface {
	SystemInfo() v1.SystemInfo
}

// StaticSystemInfo always returns the same snapshot.
type StaticSystemInfo v1.SystemInfo

func (s StaticSystemInfo) SystemInfo() v1.SystemInfo { return v1.SystemInfo(s) }

// HostProbe reads host utilisation. The default implementation uses gopsutil.
type HostProbe interface {
	CPUPercent(ctx context.Context) (float64, error)
	RAMPercent(ctx context.Context) (float64, error)
	CPUCount(ctx context.Context) (int, error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) CPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(pct) == 0 {
		return 0, err
	}
	return pct[0], nil
}

func (gopsutilProbe) RAMPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (gopsutilProbe) CPUCount(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// SystemInfoSampler periodically samples the host and the store into a
// snapshot that can be read without blocking.
type SystemInfoSampler struct {
	log   *slog.Logger
	store identity.Querier
	probe HostProbe
	now   func() time.Time

	latest atomic.Pointer[v1.SystemInfo]
}

// NewSystemInfoSampler constructs a sampler. probe may be nil to use gopsutil.
func NewSystemInfoSampler(log *slog.Logger, store identity.Querier, probe HostProbe) *SystemInfoSampler {
	if log == nil {
		log = slog.Default()
	}
	if probe == nil {
		probe = gopsutilProbe{}
	}
	s := &SystemInfoSampler{log: log, store: store, probe: probe, now: time.Now}
	s.latest.Store(&v1.SystemInfo{CPUCount: runtime.NumCPU()})
	return s
}

// SystemInfo returns the last sample.
func (s *SystemInfoSampler) SystemInfo() v1.SystemInfo {
	return *s.latest.Load()
}

// Sample refreshes the snapshot. Probe failures keep the previous value for
// that field.
func (s *SystemInfoSampler) Sample(ctx context.Context) v1.SystemInfo {
	snap := s.SystemInfo()

	if v, err := s.probe.CPUPercent(ctx); err != nil {
		s.log.Debug("sysinfo.cpu.fail", "err", err)
	} else {
		snap.CPUUsage = v
	}
	if v, err := s.probe.RAMPercent(ctx); err != nil {
		s.log.Debug("sysinfo.ram.fail", "err", err)
	} else {
		snap.RAMUsage = v
	}
	if v, err := s.probe.CPUCount(ctx); err != nil {
		s.log.Debug("sysinfo.cpu_count.fail", "err", err)
	} else if v > 0 {
		snap.CPUCount = v
	}
	if s.store != nil {
		if n, err := s.store.CountPresent(ctx); err != nil {
			s.log.Warn("sysinfo.online_users.fail", "err", err)
		} else {
			snap.OnlineUsers = n
		}
	}
	snap.SampledAt = s.now().UTC()

	s.latest.Store(&snap)
	return snap
}

// Run samples every interval until ctx is done, passing each sample to
// onSample (may be nil).
func (s *SystemInfoSampler) Run(ctx context.Context, interval time.Duration, onSample func(context.Context, v1.SystemInfo)) {
	if interval <= 0 {
		interval = 60 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		snap := s.Sample(ctx)
		if onSample != nil {
			onSample(ctx, snap)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
