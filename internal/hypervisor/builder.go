package hypervisor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ewiger/picostack/internal/registry"
)

// ErrNoForwardedService is returned for an instance that enables none of
// ssh, vnc or rdp and so could not be reached once started.
var ErrNoForwardedService = errors.New("instance has no forwarded service")

// vncBasePort is the TCP port of VNC display :0.
const vncBasePort = 5900

// PortAllocator issues forwarded host ports, never one listed in exclude.
type PortAllocator interface {
	Allocate(exclude ...int) (int, error)
}

// Builder produces hypervisor command lines for one platform.
type Builder struct {
	platform   Platform
	executable string
	ports      PortAllocator
}

// NewBuilder creates a Builder. An empty executable keeps the platform
// default.
func NewBuilder(platform Platform, executable string, ports PortAllocator) (*Builder, error) {
	tmpl, err := platform.Template()
	if err != nil {
		return nil, err
	}
	if executable == "" {
		executable = tmpl.Executable
	}
	return &Builder{platform: platform, executable: executable, ports: ports}, nil
}

// Platform returns the builder's platform.
func (b *Builder) Platform() Platform { return b.platform }

// Build allocates a host port for every enabled service, records the
// mappings on inst and returns the command line. On error inst carries
// no mappings.
func (b *Builder) Build(inst *registry.Instance, diskPath string) (string, error) {
	if !inst.HasForwardedService() {
		return "", fmt.Errorf("instance %s: %w", inst.Name, ErrNoForwardedService)
	}

	tmpl, err := b.platform.Template()
	if err != nil {
		return "", err
	}

	inst.ClearMappings()
	var issued []int
	for _, svc := range registry.Services {
		if !inst.Enabled(svc) {
			continue
		}
		port, err := b.ports.Allocate(issued...)
		if err != nil {
			inst.ClearMappings()
			return "", fmt.Errorf("instance %s: allocate %s port: %w", inst.Name, svc, err)
		}
		if err := inst.MapPort(svc, port); err != nil {
			inst.ClearMappings()
			return "", err
		}
		issued = append(issued, port)
	}

	return b.render(tmpl, inst, diskPath), nil
}

func (b *Builder) render(tmpl Template, inst *registry.Instance, diskPath string) string {
	vars := strings.NewReplacer(
		"{memory}", strconv.Itoa(inst.MemoryMB),
		"{cores}", strconv.Itoa(inst.Cores),
		"{disk}", diskPath,
	)

	fwd := []string{"user"}
	for _, m := range inst.Mappings() {
		fwd = append(fwd, fmt.Sprintf("hostfwd=tcp::%d-:%d", m.HostPort, m.GuestPort))
	}
	userNet := strings.Join(fwd, ",")

	args := []string{b.executable}
	netDone := false
	for _, p := range tmpl.Params {
		values := p.Values
		if p.Flag == "-net" && !netDone {
			values = append(append([]string(nil), values...), userNet)
			netDone = true
		}
		args = appendParam(args, p.Flag, values, vars)
	}
	if !netDone {
		args = append(args, "-net", userNet)
	}

	if inst.LocalhostVNCPort >= vncBasePort {
		args = append(args, "-vnc", fmt.Sprintf("localhost:%d", inst.LocalhostVNCPort-vncBasePort))
	} else {
		args = append(args, "-display", "none")
	}
	return strings.Join(args, " ")
}

func appendParam(args []string, flag string, values []string, vars *strings.Replacer) []string {
	if len(values) == 0 {
		return append(args, flag)
	}
	for _, v := range values {
		args = append(args, flag, vars.Replace(v))
	}
	return args
}
