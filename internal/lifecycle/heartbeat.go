package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ewiger/picostack/internal/registry"
)

// Heartbeat moves running instances whose process has died to
// terminating and stops them. It never restarts anything.
func (o *Orchestrator) Heartbeat(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	running, err := o.store.FindByState(registry.StateRunning)
	if err != nil {
		return fmt.Errorf("heartbeat: list running instances: %w", err)
	}
	for _, inst := range running {
		if err := ctx.Err(); err != nil {
			return err
		}
		pidfile := o.cfg.PidfilePath(inst.Name)
		if o.sup.IsRunning(pidfile) {
			continue
		}
		// A concurrent terminate request targets the same state, so a
		// lost swap needs no handling.
		ok, err := o.store.CompareAndSetState(inst.Name, registry.StateRunning, registry.StateTerminating)
		if err != nil {
			o.log.Error("heartbeat update failed", "instance", inst.Name, "err", err)
			continue
		}
		if !ok {
			continue
		}
		o.metrics.HeartbeatHeals.Inc()
		o.log.Warn("running instance has no live process", "instance", inst.Name, "pidfile", pidfile)

		// Stop right away so ports and files are released this tick; a
		// failed stop leaves the instance terminating for the next step.
		inst.State = registry.StateTerminating
		o.apply(ctx, phase{name: "stop", from: registry.StateTerminating, run: o.stop}, inst)
	}
	o.updateGauges()
	return nil
}

// Reclaim kills processes whose command line references the disk of an
// instance that is not running, and removes stale pidfiles. Such
// processes are left behind when a wrapper dies before its workload or
// the orchestrator restarts mid-stop. It returns the number of processes
// killed.
func (o *Orchestrator) Reclaim(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	all, err := o.store.ListInstances()
	if err != nil {
		return 0, fmt.Errorf("reclaim: list instances: %w", err)
	}
	owner := make(map[string]string)
	for _, inst := range all {
		if inst.State == registry.StateRunning {
			continue
		}
		owner[o.cfg.DiskPath(inst.DiskFilename())] = inst.Name
		if removed, err := o.sup.RemoveStale(o.cfg.PidfilePath(inst.Name)); err != nil {
			o.log.Warn("remove stale pidfile failed", "instance", inst.Name, "err", err)
		} else if removed {
			o.log.Info("removed stale pidfile", "instance", inst.Name)
		}
	}
	if len(owner) == 0 {
		return 0, nil
	}

	disks := make([]string, 0, len(owner))
	for d := range owner {
		disks = append(disks, d)
	}
	slices.Sort(disks)

	procs, err := o.findProcs(disks...)
	if err != nil {
		return 0, fmt.Errorf("reclaim: scan processes: %w", err)
	}

	killed := 0
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return killed, err
		}
		inst := ""
		for _, d := range disks {
			if strings.Contains(p.Cmdline, d) {
				inst = owner[d]
				break
			}
		}
		if err := o.sup.Kill(p.PID); err != nil {
			o.log.Warn("kill orphaned process failed", "pid", p.PID, "instance", inst, "err", err)
			continue
		}
		killed++
		o.metrics.Reclaimed.Inc()
		o.log.Warn("killed orphaned hypervisor process", "pid", p.PID, "instance", inst, "cmdline", p.Cmdline)
	}
	return killed, nil
}

// Request applies a user action to the named instance. It fails with
// ErrInvalidTransition when the instance is not in a state the action
// accepts, and ErrConflict when the state changed under it.
func (o *Orchestrator) Request(name string, action Action) (*registry.Instance, error) {
	return Request(o.store, name, action)
}

// Request applies a user action directly against a store. It is safe to
// call while an orchestrator runs elsewhere: every accepted source state
// is one the orchestrator never writes from, and the update is a
// compare-and-swap.
func Request(store Store, name string, action Action) (*registry.Instance, error) {
	req, ok := requests[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	inst, err := store.GetInstance(name)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("instance %s: %w", name, registry.ErrNotFound)
	}
	if !slices.Contains(req.from, inst.State) {
		return nil, fmt.Errorf("%w: cannot %s instance %s in state %s", ErrInvalidTransition, action, name, inst.State)
	}
	swapped, err := store.CompareAndSetState(name, inst.State, req.to)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: %s", ErrConflict, name)
	}
	inst.State = req.to
	return inst, nil
}

// Run ticks every interval until ctx is cancelled. Tick errors are
// logged; only cancellation stops the loop.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if _, err := o.Reclaim(ctx); err != nil {
		o.log.Warn("initial reclaim failed", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			o.log.Error("tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			o.log.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
