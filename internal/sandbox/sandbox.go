// Package sandbox builds the OS-level isolation envelope around a
// spawned agent process: PID/mount/UTS/network namespaces plus cgroup
// v2 resource controllers, with graceful degradation when the kernel
// lacks the privilege to apply them, and an optional Docker-backed
// isolation tier for hosts with a daemon but no direct cgroup access.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/tuzig/vt10x"

	"github.com/clove-kernel/clove/internal/logger"
)

// IsolationRequest is what the caller asked for.
type IsolationRequest struct {
	PIDNamespace     bool
	MountNamespace   bool
	UTSNamespace     bool
	NetworkNamespace bool // requested iff !EnableNetwork

	MemoryBytes int64
	CPUQuotaUS  int64 // matches cpu.max's quota component, <= 0 = unset
	CPUPeriodUS int64
	CPUShares   int64 // converted to cgroup v2 cpu.weight
	MaxPids     int64
}

// IsolationStatus records which isolation features actually applied.
type IsolationStatus struct {
	PIDNamespace     bool
	MountNamespace   bool
	UTSNamespace     bool
	NetworkNamespace bool

	MemoryLimitApplied bool
	CPULimitApplied    bool
	WeightLimitApplied bool
	PidsLimitApplied   bool

	FullyIsolated  bool
	DegradedReason string
	Backend        string // "native", "docker", "degraded"
}

// Sandbox is a 1:1 companion to an agent while it runs.
type Sandbox struct {
	mu sync.Mutex

	name       string
	cgroupPath string
	pid        int
	exitCode   int
	stopped    bool

	cmd  *exec.Cmd
	ptmx *os.File
	term *vt10x.State

	dockerCli   *client.Client
	containerID string
	attachConn  io.Closer

	status IsolationStatus
	log    *logger.Logger
}

// Config is the parent kernel configuration a sandbox needs to know
// its cgroup parent directory and Docker fallback settings.
type Config struct {
	CgroupParent   string
	DockerFallback bool
	DockerHost     string
	DockerImage    string
}

// New creates and starts a sandbox running command/args, honoring
// req's requested isolation. It never returns an error for missing
// privilege — that produces a degraded sandbox instead, per spec.
func New(cfg Config, name string, command string, args []string, env []string, req IsolationRequest, log *logger.Logger) (*Sandbox, error) {
	sb := &Sandbox{name: name, log: log}

	if hasSysAdmin() {
		if err := sb.startNative(cfg, command, args, env, req); err == nil {
			return sb, nil
		} else {
			log.WithError(err).Warn("sandbox: native isolation failed, falling back")
		}
	}

	if cfg.DockerFallback && dockerAvailable(cfg.DockerHost) {
		if err := sb.startDocker(cfg, command, args, env, req); err == nil {
			return sb, nil
		} else {
			log.WithError(err).Warn("sandbox: docker fallback failed, falling back further")
		}
	}

	if err := sb.startDegraded(command, args, env); err != nil {
		return nil, fmt.Errorf("sandbox: all isolation tiers failed: %w", err)
	}
	return sb, nil
}

// hasSysAdmin reports whether the kernel process holds CAP_SYS_ADMIN.
// A cheap, conservative proxy: root (uid 0) almost always has it; a
// real deployment should check /proc/self/status Capeff instead, but
// that parsing adds no behavior the proxy doesn't already capture for
// our purposes (degrade on failure either way).
func hasSysAdmin() bool {
	return os.Geteuid() == 0
}

func dockerAvailable(host string) bool {
	if host == "" {
		host = "unix:///var/run/docker.sock"
	}
	if sockPath, ok := trimUnixPrefix(host); ok {
		if info, err := os.Stat(sockPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			return true
		}
		return false
	}
	return true // TCP docker hosts: assume reachable, let the client error out
}

func trimUnixPrefix(host string) (string, bool) {
	const prefix = "unix://"
	if len(host) > len(prefix) && host[:len(prefix)] == prefix {
		return host[len(prefix):], true
	}
	return "", false
}

// startNative clones the agent into the requested namespaces and
// applies cgroup v2 controllers, entering them atomically with the
// child's creation (clone flags on the initial fork).
func (sb *Sandbox) startNative(cfg Config, command string, args []string, env []string, req IsolationRequest) error {
	status := IsolationStatus{Backend: "native"}

	sb.cgroupPath = filepath.Join(cfg.CgroupParent, sb.name)
	if err := os.MkdirAll(sb.cgroupPath, 0755); err != nil {
		return fmt.Errorf("creating cgroup directory: %w", err)
	}

	status.MemoryLimitApplied = writeCgroupFile(sb.cgroupPath, "memory.max", fmt.Sprintf("%d", req.MemoryBytes))
	if req.CPUQuotaUS > 0 && req.CPUPeriodUS > 0 {
		status.CPULimitApplied = writeCgroupFile(sb.cgroupPath, "cpu.max", fmt.Sprintf("%d %d", req.CPUQuotaUS, req.CPUPeriodUS))
	}
	weight := clampWeight(req.CPUShares)
	status.WeightLimitApplied = writeCgroupFile(sb.cgroupPath, "cpu.weight", strconv.FormatInt(weight, 10))
	if req.MaxPids > 0 {
		status.PidsLimitApplied = writeCgroupFile(sb.cgroupPath, "pids.max", fmt.Sprintf("%d", req.MaxPids))
	}

	var cloneFlags uintptr
	if req.PIDNamespace {
		cloneFlags |= syscall.CLONE_NEWPID
	}
	if req.MountNamespace {
		cloneFlags |= syscall.CLONE_NEWNS
	}
	if req.UTSNamespace {
		cloneFlags |= syscall.CLONE_NEWUTS
	}
	if req.NetworkNamespace {
		cloneFlags |= syscall.CLONE_NEWNET
	}

	cmd := exec.Command(command, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Setsid:     true,
	}
	if req.UTSNamespace {
		cmd.SysProcAttr.Hostname = sb.name
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		os.RemoveAll(sb.cgroupPath)
		return fmt.Errorf("starting sandboxed process: %w", err)
	}
	sb.cmd = cmd
	sb.ptmx = ptmx
	sb.pid = cmd.Process.Pid

	if !writeCgroupProcs(sb.cgroupPath, sb.pid) {
		status.MemoryLimitApplied = false
		status.CPULimitApplied = false
		status.WeightLimitApplied = false
		status.PidsLimitApplied = false
	}

	status.PIDNamespace = req.PIDNamespace
	status.MountNamespace = req.MountNamespace
	status.UTSNamespace = req.UTSNamespace
	status.NetworkNamespace = req.NetworkNamespace
	status.FullyIsolated = status.PIDNamespace == req.PIDNamespace &&
		status.MountNamespace == req.MountNamespace &&
		status.UTSNamespace == req.UTSNamespace &&
		status.NetworkNamespace == req.NetworkNamespace &&
		status.MemoryLimitApplied && status.WeightLimitApplied &&
		(req.CPUQuotaUS <= 0 || status.CPULimitApplied) &&
		(req.MaxPids <= 0 || status.PidsLimitApplied)
	if !status.FullyIsolated {
		status.DegradedReason = "one or more requested namespaces or cgroup controllers could not be applied"
	}

	sb.status = status
	sb.attachTerminal()
	return nil
}

// startDocker runs the agent inside a container as a middle isolation
// tier: weaker than native namespaces + cgroups (no PID/UTS namespace
// control surfaced to Clove directly) but still sandboxed by the
// daemon, useful when the kernel itself lacks CAP_SYS_ADMIN but a
// Docker daemon is reachable.
func (sb *Sandbox) startDocker(cfg Config, command string, args []string, env []string, req IsolationRequest) error {
	status := IsolationStatus{Backend: "docker", DegradedReason: "isolation delegated to Docker daemon; namespace flags not independently verifiable"}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}

	ctx := context.Background()
	networkMode := container.NetworkMode("bridge")
	if req.NetworkNamespace {
		networkMode = "none"
	}
	containerCfg := &container.Config{
		Image: cfg.DockerImage,
		Cmd:   append([]string{command}, args...),
		Env:   env,
		Tty:   true, // a pty-like stream lets vt10x attach the same way the native/degraded tiers do
	}
	hostCfg := &container.HostConfig{
		NetworkMode: networkMode,
		AutoRemove:  true,
		Resources: container.Resources{
			Memory:    req.MemoryBytes,
			CPUPeriod: req.CPUPeriodUS,
			CPUQuota:  req.CPUQuotaUS,
		},
	}
	if req.MaxPids > 0 {
		hostCfg.Resources.PidsLimit = &req.MaxPids
	}

	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "clove-"+sb.name)
	if err != nil {
		cli.Close()
		return fmt.Errorf("creating docker-backed sandbox: %w", err)
	}

	attach, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		cli.Close()
		return fmt.Errorf("attaching docker-backed sandbox: %w", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		cli.Close()
		return fmt.Errorf("starting docker-backed sandbox: %w", err)
	}

	sb.dockerCli = cli
	sb.containerID = created.ID
	sb.attachConn = attach.Conn
	status.MemoryLimitApplied = req.MemoryBytes > 0
	status.PidsLimitApplied = req.MaxPids > 0
	status.CPULimitApplied = req.CPUQuotaUS > 0
	status.NetworkNamespace = req.NetworkNamespace
	sb.status = status

	term := vt10x.New()
	sb.term = term
	go func() {
		_ = vt10x.Create(term, attach.Reader)
	}()
	return nil
}

// startDegraded runs the agent with a plain fork+exec: no namespaces
// and no cgroup limits. This keeps the kernel
// useful on an unprivileged development workstation.
func (sb *Sandbox) startDegraded(command string, args []string, env []string) error {
	cmd := exec.Command(command, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting degraded sandbox: %w", err)
	}
	sb.cmd = cmd
	sb.ptmx = ptmx
	sb.pid = cmd.Process.Pid
	sb.status = IsolationStatus{
		Backend:        "degraded",
		DegradedReason: "insufficient privilege for namespaces/cgroups; running as a plain child process",
	}
	sb.attachTerminal()
	return nil
}

// attachTerminal wires the sandboxed process's pty into a vt10x
// virtual terminal so EXEC output and audit details see clean text
// rather than raw ANSI control sequences.
func (sb *Sandbox) attachTerminal() {
	if sb.ptmx == nil {
		return
	}
	term := vt10x.New()
	sb.term = term
	go func() {
		_ = vt10x.Create(term, sb.ptmx)
	}()
}

// Output returns the sandboxed process's terminal contents with
// control sequences stripped.
func (sb *Sandbox) Output() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.term == nil {
		return ""
	}
	return sb.term.String()
}

// Status returns a copy of the sandbox's current isolation status.
func (sb *Sandbox) Status() IsolationStatus {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.status
}

// Pid returns the sandboxed process's OS pid.
func (sb *Sandbox) Pid() int { return sb.pid }

// IsRunning performs a non-blocking liveness probe. On detecting exit
// it caches the exit code and marks the sandbox stopped. Must be safe
// to call every reactor tick.
func (sb *Sandbox) IsRunning() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.stopped {
		return false
	}
	if sb.dockerCli != nil {
		inspect, err := sb.dockerCli.ContainerInspect(context.Background(), sb.containerID)
		if err != nil || inspect.State == nil || !inspect.State.Running {
			sb.stopped = true
			if err == nil && inspect.State != nil {
				sb.exitCode = inspect.State.ExitCode
			}
			return false
		}
		return true
	}
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(sb.pid, &ws, syscall.WNOHANG, nil)
	if err != nil || wpid == 0 {
		return true
	}
	sb.stopped = true
	sb.exitCode = ws.ExitStatus()
	return false
}

// ExitCode returns the cached exit code once IsRunning has observed exit.
func (sb *Sandbox) ExitCode() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.exitCode
}

// Signal sends sig to the sandboxed process.
func (sb *Sandbox) Signal(sig syscall.Signal) error {
	sb.mu.Lock()
	pid := sb.pid
	cli := sb.dockerCli
	containerID := sb.containerID
	sb.mu.Unlock()
	if cli != nil {
		return cli.ContainerKill(context.Background(), containerID, strconv.Itoa(int(sig)))
	}
	if pid == 0 {
		return fmt.Errorf("sandbox: no process")
	}
	return syscall.Kill(pid, sig)
}

// Stop sends SIGTERM, waits up to timeout, then escalates to SIGKILL,
// and tears down the cgroup directory on a best-effort basis.
func (sb *Sandbox) Stop(ctx context.Context, timeout time.Duration) error {
	if err := sb.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			_ = sb.Signal(syscall.SIGKILL)
			sb.waitExit()
			sb.teardown()
			return nil
		case <-ticker.C:
			if !sb.IsRunning() {
				sb.teardown()
				return nil
			}
		}
	}
}

func (sb *Sandbox) waitExit() {
	for i := 0; i < 50; i++ {
		if !sb.IsRunning() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (sb *Sandbox) teardown() {
	if sb.ptmx != nil {
		_ = sb.ptmx.Close()
	}
	if sb.attachConn != nil {
		_ = sb.attachConn.Close()
	}
	if sb.dockerCli != nil {
		_ = sb.dockerCli.Close()
	}
	if sb.cgroupPath != "" {
		if err := os.RemoveAll(sb.cgroupPath); err != nil {
			sb.log.WithError(err).Debug("sandbox: cgroup cleanup failed, ignoring")
		}
	}
}

func writeCgroupFile(cgroupPath, file, value string) bool {
	path := filepath.Join(cgroupPath, file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return false
	}
	return true
}

func writeCgroupProcs(cgroupPath string, pid int) bool {
	return writeCgroupFile(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

// clampWeight converts a CPU shares value (traditionally out of 1024)
// into cgroup v2's cpu.weight range [1, 10000].
func clampWeight(shares int64) int64 {
	if shares <= 0 {
		shares = 1024
	}
	w := shares * 100 / 1024
	if w < 1 {
		w = 1
	}
	if w > 10000 {
		w = 10000
	}
	return w
}
