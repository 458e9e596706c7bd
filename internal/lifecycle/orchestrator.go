package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ewiger/picostack/internal/config"
	"github.com/ewiger/picostack/internal/hypervisor"
	"github.com/ewiger/picostack/internal/image"
	"github.com/ewiger/picostack/internal/metrics"
	"github.com/ewiger/picostack/internal/ports"
	"github.com/ewiger/picostack/internal/registry"
	"github.com/ewiger/picostack/internal/supervisor"
)

// Store is the registry view the orchestrator needs.
type Store interface {
	FindByState(state registry.State) ([]*registry.Instance, error)
	ListInstances() ([]*registry.Instance, error)
	GetInstance(name string) (*registry.Instance, error)
	SaveInstance(inst *registry.Instance) error
	DeleteInstance(name string) error
	CompareAndSetState(name string, from, to registry.State) (bool, error)
	UsedVNCPorts() ([]int, error)
}

// CommandBuilder renders the hypervisor command for an instance,
// allocating its forwarded ports.
type CommandBuilder interface {
	Build(inst *registry.Instance, diskPath string) (string, error)
}

// Supervisor runs and stops hypervisor processes.
type Supervisor interface {
	Spawn(ctx context.Context, command, reportPath, pidfilePath string) (*supervisor.Process, error)
	IsRunning(pidfile string) bool
	Terminate(ctx context.Context, pidfile string) (supervisor.TerminateResult, error)
	RemoveStale(pidfile string) (bool, error)
	Kill(pid int) error
}

// ProcessFinder lists processes whose command line mentions any of the
// given strings.
type ProcessFinder func(substrs ...string) ([]supervisor.ProcInfo, error)

// Options wires an Orchestrator.
type Options struct {
	Config     *config.Config
	Store      Store
	Builder    CommandBuilder
	Supervisor Supervisor

	// Optional.
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	FindProcesses ProcessFinder
}

// Orchestrator reconciles registry state with processes and files. One
// orchestrator may run against a registry at a time; within the process
// ticks are serialized.
type Orchestrator struct {
	mu sync.Mutex

	cfg       *config.Config
	store     Store
	builder   CommandBuilder
	sup       Supervisor
	metrics   *metrics.Registry
	log       *slog.Logger
	findProcs ProcessFinder
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:       opts.Config,
		store:     opts.Store,
		builder:   opts.Builder,
		sup:       opts.Supervisor,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		findProcs: opts.FindProcesses,
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.findProcs == nil {
		o.findProcs = supervisor.FindByCmdline
	}
	return o
}

type phase struct {
	name string
	from registry.State
	run  func(context.Context, *registry.Instance) error
}

func (o *Orchestrator) phases() []phase {
	return []phase{
		{"build", registry.StateCloning, o.build},
		{"start", registry.StateLaunched, o.start},
		{"stop", registry.StateTerminating, o.stop},
		{"destroy", registry.StateTrashed, o.destroy},
	}
}

// Tick runs one reconciliation step followed by a heartbeat.
func (o *Orchestrator) Tick(ctx context.Context) error {
	start := time.Now()
	defer o.metrics.ObserveTick(start)

	stepErr := o.Step(ctx)
	hbErr := o.Heartbeat(ctx)
	return errors.Join(stepErr, hbErr)
}

// Step runs build, start, stop and destroy, in that order, over every
// instance in the matching source state. Per-instance failures are
// logged and left for the next step; only registry query failures and
// cancellation are returned.
func (o *Orchestrator) Step(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for _, p := range o.phases() {
		candidates, err := o.store.FindByState(p.from)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: list %s instances: %w", p.name, p.from, err))
			continue
		}
		for _, inst := range candidates {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			o.apply(ctx, p, inst)
		}
	}
	o.updateGauges()
	return errors.Join(errs...)
}

func (o *Orchestrator) apply(ctx context.Context, p phase, inst *registry.Instance) {
	err := p.run(ctx, inst)
	switch {
	case err == nil:
		o.metrics.Transition(p.name, metrics.ResultOK)
	case errors.Is(err, errSkipped):
		o.metrics.Transition(p.name, metrics.ResultSkipped)
	default:
		o.metrics.Transition(p.name, metrics.ResultFailed)
		o.log.Error("transition failed", "transition", p.name, "instance", inst.Name, "state", inst.State, "err", err)
	}
}

// errSkipped marks a transition deferred to a later tick without fault,
// such as a start waiting for a free port.
var errSkipped = errors.New("skipped")

func (o *Orchestrator) updateGauges() {
	all, err := o.store.ListInstances()
	if err != nil {
		o.log.Warn("count instances failed", "err", err)
		return
	}
	counts := make(map[string]int, len(registry.States))
	for _, s := range registry.States {
		counts[string(s)] = 0
	}
	for _, inst := range all {
		counts[string(inst.State)]++
	}
	o.metrics.SetInstanceCounts(counts)
}

// setState moves inst along an edge and persists the whole record.
func (o *Orchestrator) setState(inst *registry.Instance, to registry.State) error {
	if !CanTransition(inst.State, to) {
		panic(fmt.Sprintf("lifecycle: no edge %s -> %s for instance %s", inst.State, to, inst.Name))
	}
	from := inst.State
	inst.State = to
	if err := o.store.SaveInstance(inst); err != nil {
		inst.State = from
		return fmt.Errorf("save %s -> %s: %w", from, to, err)
	}
	o.log.Info("instance state changed", "instance", inst.Name, "from", from, "to", to)
	return nil
}

// build clones the image into the instance disk.
func (o *Orchestrator) build(_ context.Context, inst *registry.Instance) error {
	mustBeIn(inst, registry.StateCloning, "build")

	src := o.cfg.ImagePath(inst.ImageFilename)
	dst := o.cfg.DiskPath(inst.DiskFilename())
	o.log.Info("cloning image", "instance", inst.Name, "image", src, "disk", dst)
	if err := image.Clone(src, dst, inst.ImageDiskSizeMB); err != nil {
		return fmt.Errorf("clone %s: %w", inst.ImageName, err)
	}
	return o.setState(inst, registry.StateStopped)
}

// start builds the hypervisor command and spawns it.
func (o *Orchestrator) start(ctx context.Context, inst *registry.Instance) error {
	mustBeIn(inst, registry.StateLaunched, "start")

	pidfile := o.cfg.PidfilePath(inst.Name)
	if o.sup.IsRunning(pidfile) {
		o.log.Warn("instance already running, marking failed", "instance", inst.Name, "pidfile", pidfile)
		return o.fail(inst, supervisor.ErrAlreadyRunning)
	}
	if removed, err := o.sup.RemoveStale(pidfile); err != nil {
		return fmt.Errorf("remove stale pidfile: %w", err)
	} else if removed {
		o.log.Warn("removed stale pidfile", "instance", inst.Name, "pidfile", pidfile)
	}

	if inst.LocalhostVNCPort == 0 {
		port, err := o.assignVNCPort()
		if err != nil {
			return err
		}
		inst.LocalhostVNCPort = port
		if err := o.store.SaveInstance(inst); err != nil {
			return fmt.Errorf("save vnc port: %w", err)
		}
	}

	diskPath := o.cfg.DiskPath(inst.DiskFilename())
	command, err := o.builder.Build(inst, diskPath)
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrPortExhausted):
		o.metrics.PortExhaustion.Inc()
		o.log.Warn("no free forwarded port, start deferred", "instance", inst.Name, "err", err)
		return fmt.Errorf("%w: %v", errSkipped, err)
	case errors.Is(err, hypervisor.ErrNoForwardedService), errors.Is(err, hypervisor.ErrUnknownPlatform):
		o.log.Error("cannot build hypervisor command", "instance", inst.Name, "err", err)
		return o.fail(inst, err)
	default:
		return fmt.Errorf("build command: %w", err)
	}

	report := o.cfg.ReportPath(inst.Name)
	o.log.Info("spawning instance", "instance", inst.Name, "command", command)
	proc, err := o.sup.Spawn(ctx, command, report, pidfile)
	if err != nil {
		inst.ClearMappings()
		switch {
		case errors.Is(err, supervisor.ErrSpawnTimeout):
			// The wrapper may still come up; do not leave it behind a
			// failed record.
			if _, terr := o.sup.Terminate(ctx, pidfile); terr != nil {
				o.log.Warn("cleanup after spawn timeout failed", "instance", inst.Name, "err", terr)
			}
			return o.fail(inst, err)
		case errors.Is(err, supervisor.ErrAlreadyRunning),
			errors.Is(err, supervisor.ErrLockTimeout),
			errors.Is(err, supervisor.ErrSpawnFailed):
			return o.fail(inst, err)
		}
		return fmt.Errorf("spawn: %w", err)
	}

	if err := o.writeVNCTarget(inst); err != nil {
		o.log.Warn("write vnc target failed", "instance", inst.Name, "err", err)
	}
	if err := o.setState(inst, registry.StateRunning); err != nil {
		return err
	}
	o.log.Info("instance started", "instance", inst.Name, "pid", proc.PID, "workload_pid", proc.InnerPID,
		"ssh", inst.SSHMapping, "vnc", inst.VNCMapping, "rdp", inst.RDPMapping)
	return nil
}

// fail moves a launched instance to failed and reports cause.
func (o *Orchestrator) fail(inst *registry.Instance, cause error) error {
	inst.ClearMappings()
	if err := o.setState(inst, registry.StateFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// assignVNCPort picks the lowest local display port no instance holds.
func (o *Orchestrator) assignVNCPort() (int, error) {
	used, err := o.store.UsedVNCPorts()
	if err != nil {
		return 0, fmt.Errorf("list vnc ports: %w", err)
	}
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}
	for p := o.cfg.VNCFirstPort; p <= 65535; p++ {
		if !taken[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free vnc display port from %d", o.cfg.VNCFirstPort)
}

func (o *Orchestrator) writeVNCTarget(inst *registry.Instance) error {
	line := fmt.Sprintf("%s: localhost:%d\n", inst.Name, inst.LocalhostVNCPort)
	return os.WriteFile(o.cfg.VNCTargetPath(inst.Name), []byte(line), 0644)
}

// stop terminates the workload and wrapper and frees the instance ports.
func (o *Orchestrator) stop(ctx context.Context, inst *registry.Instance) error {
	mustBeIn(inst, registry.StateTerminating, "stop")

	pidfile := o.cfg.PidfilePath(inst.Name)
	res, err := o.sup.Terminate(ctx, pidfile)
	if err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	if !res.InnerStopped && !res.OuterStopped {
		o.log.Info("instance was not running", "instance", inst.Name)
	}
	if err := os.Remove(o.cfg.VNCTargetPath(inst.Name)); err != nil && !os.IsNotExist(err) {
		o.log.Warn("remove vnc target failed", "instance", inst.Name, "err", err)
	}

	inst.ClearMappings()
	return o.setState(inst, registry.StateStopped)
}

// destroy removes the instance disk and report, then the record.
func (o *Orchestrator) destroy(_ context.Context, inst *registry.Instance) error {
	mustBeIn(inst, registry.StateTrashed, "destroy")

	for _, f := range []struct{ what, path string }{
		{"disk", o.cfg.DiskPath(inst.DiskFilename())},
		{"report", o.cfg.ReportPath(inst.Name)},
	} {
		if err := os.Remove(f.path); err != nil {
			o.log.Warn("remove instance file failed", "instance", inst.Name, "file", f.what, "path", f.path, "err", err)
		}
	}
	os.Remove(o.cfg.VNCTargetPath(inst.Name))
	o.sup.RemoveStale(o.cfg.PidfilePath(inst.Name))

	if err := o.store.DeleteInstance(inst.Name); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	o.log.Info("instance destroyed", "instance", inst.Name)
	return nil
}
