package portal

import (
	"context"
	"fmt"
	"strings"
)

// TaskManagerAPI starts (POST) and stops (DELETE) packaged applications.
const TaskManagerAPI = "api/taskmanager/app"

// UnknownProcessID is returned by LaunchApplication when the launched package
// does not appear in the process snapshot taken right after the launch.
const UnknownProcessID uint32 = 0

// Requester issues mutating requests with a form-encoded payload.
type Requester interface {
	Post(ctx context.Context, path, payload string) error
	Delete(ctx context.Context, path, payload string) error
}

// ProcessSource returns the current device process snapshot.
type ProcessSource interface {
	RunningProcesses(ctx context.Context) (*RunningProcesses, error)
}

// TaskManager launches, lists, and terminates applications on a device. It
// holds no state of its own; concurrent calls are independent and their
// relative ordering is up to the caller.
type TaskManager struct {
	requests  Requester
	processes ProcessSource
}

func NewTaskManager(requests Requester, processes ProcessSource) *TaskManager {
	return &TaskManager{requests: requests, processes: processes}
}

// LaunchApplication starts appID from packageName and returns the id of the
// first process in the following snapshot whose package name matches
// exactly. It returns UnknownProcessID when none matches, since the process
// table may not have caught up with the launch yet.
func (tm *TaskManager) LaunchApplication(ctx context.Context, appID, packageName string) (uint32, error) {
	if appID == "" {
		return UnknownProcessID, fmt.Errorf("application id: %w", ErrEmptyArgument)
	}
	if packageName == "" {
		return UnknownProcessID, fmt.Errorf("package name: %w", ErrEmptyArgument)
	}

	payload := fmt.Sprintf("appid=%s&package=%s", HexEncode(appID), HexEncode(packageName))
	if err := tm.requests.Post(ctx, TaskManagerAPI, payload); err != nil {
		return UnknownProcessID, err
	}

	procs, err := tm.processes.RunningProcesses(ctx)
	if err != nil {
		return UnknownProcessID, err
	}

	if procs == nil {
		return UnknownProcessID, nil
	}
	for _, p := range procs.Processes {
		if p.PackageFullName == packageName {
			return p.ProcessID, nil
		}
	}
	return UnknownProcessID, nil
}

// AppList returns the distinct package names, in first-seen order, of
// processes in the requested state. Only the state "running" (any case)
// selects running processes; every other value selects suspended ones.
func (tm *TaskManager) AppList(ctx context.Context, state string) ([]string, error) {
	procs, err := tm.processes.RunningProcesses(ctx)
	if err != nil {
		return nil, err
	}

	wantRunning := strings.ToLower(state) == "running"
	return packageNames(procs, func(p DeviceProcessInfo) bool {
		return p.IsRunning == wantRunning
	}), nil
}

// RunningApps returns the distinct package names present in the snapshot,
// regardless of their run state.
func (tm *TaskManager) RunningApps(ctx context.Context) ([]string, error) {
	procs, err := tm.processes.RunningProcesses(ctx)
	if err != nil {
		return nil, err
	}
	return packageNames(procs, func(DeviceProcessInfo) bool { return true }), nil
}

// TerminateApplication stops every process of packageName.
func (tm *TaskManager) TerminateApplication(ctx context.Context, packageName string) error {
	if packageName == "" {
		return fmt.Errorf("package name: %w", ErrEmptyArgument)
	}
	return tm.requests.Delete(ctx, TaskManagerAPI, "package="+HexEncode(packageName))
}

func packageNames(procs *RunningProcesses, keep func(DeviceProcessInfo) bool) []string {
	apps := []string{}
	if procs == nil {
		return apps
	}
	seen := make(map[string]struct{})
	for _, p := range procs.Processes {
		if p.PackageFullName == "" || !keep(p) {
			continue
		}
		if _, dup := seen[p.PackageFullName]; dup {
			continue
		}
		seen[p.PackageFullName] = struct{}{}
		apps = append(apps, p.PackageFullName)
	}
	return apps
}
