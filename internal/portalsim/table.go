package portalsim

import (
	"context"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/devportal/pkg/portal"
)

const firstLaunchPID uint32 = 4000

// Install registers packageName so it can be launched with appID.
func (s *Server) Install(appID, packageName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed[packageName] = appID
}

// AddProcess appends p to the process table. A zero ProcessID, or one already
// in the table, is replaced by the next free id. The id used is returned.
func (s *Server) AddProcess(p portal.DeviceProcessInfo) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(p)
}

func (s *Server) addLocked(p portal.DeviceProcessInfo) uint32 {
	// nextPID is always above every id in the table.
	if p.ProcessID == 0 || s.hasPIDLocked(p.ProcessID) {
		p.ProcessID = s.nextPID
	}
	if p.ProcessID >= s.nextPID {
		s.nextPID = p.ProcessID + 1
	}
	s.procs = append(s.procs, p)
	return p.ProcessID
}

func (s *Server) hasPIDLocked(pid uint32) bool {
	return slices.ContainsFunc(s.procs, func(p portal.DeviceProcessInfo) bool {
		return p.ProcessID == pid
	})
}

// Suspend marks every process of packageName as not running and returns how
// many were changed.
func (s *Server) Suspend(packageName string) int {
	return s.setRunning(packageName, false)
}

// Resume marks every process of packageName as running.
func (s *Server) Resume(packageName string) int {
	return s.setRunning(packageName, true)
}

func (s *Server) setRunning(packageName string, running bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.procs {
		if s.procs[i].PackageFullName == packageName && s.procs[i].IsRunning != running {
			s.procs[i].IsRunning = running
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the process table.
func (s *Server) Snapshot() portal.RunningProcesses {
	s.mu.Lock()
	defer s.mu.Unlock()
	return portal.RunningProcesses{Processes: slices.Clone(s.procs)}
}

func (s *Server) launch(appID, packageName string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	installedAppID, ok := s.installed[packageName]
	if !ok {
		return 0, errNotInstalled(packageName)
	}
	if installedAppID != appID {
		return 0, &simError{status: 400, reason: fmt.Sprintf("application %q is not part of package %q", appID, packageName)}
	}

	pid := s.addLocked(portal.DeviceProcessInfo{
		PackageFullName: packageName,
		IsRunning:       true,
		AppName:         appID,
		ImageName:       appID + ".exe",
		UserName:        "DefaultAccount",
		SessionID:       1,
	})
	return pid, nil
}

func (s *Server) terminate(packageName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.installed[packageName]; !ok {
		return 0, errNotInstalled(packageName)
	}

	before := len(s.procs)
	s.procs = slices.DeleteFunc(s.procs, func(p portal.DeviceProcessInfo) bool {
		return p.PackageFullName == packageName
	})
	return before - len(s.procs), nil
}

// SeedLocal copies the host's process table into the emulated one. Host
// processes carry no package name; stopped ones are reported as suspended.
// It returns the number of processes added.
func (s *Server) SeedLocal(ctx context.Context) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list host processes: %w", err)
	}

	added := 0
	for _, p := range procs {
		info, ok := hostProcessInfo(ctx, p)
		if !ok {
			continue
		}
		s.AddProcess(info)
		added++
	}
	log.Info("seeded host processes", "count", added)
	return added, nil
}

func hostProcessInfo(ctx context.Context, p *process.Process) (portal.DeviceProcessInfo, bool) {
	if p.Pid <= 0 {
		return portal.DeviceProcessInfo{}, false
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return portal.DeviceProcessInfo{}, false
	}

	info := portal.DeviceProcessInfo{
		ProcessID: uint32(p.Pid),
		ImageName: name,
		IsRunning: true,
	}
	if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Stop) {
		info.IsRunning = false
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info.UserName = user
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUUsage = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.WorkingSetSize = mem.RSS
		info.PrivateWorkingSet = mem.RSS
		info.VirtualSize = mem.VMS
		info.PageFileUsage = mem.Swap
	}
	return info, true
}
