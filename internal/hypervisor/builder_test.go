package hypervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewiger/picostack/internal/ports"
	"github.com/ewiger/picostack/internal/registry"
)

// seqAllocator hands out next, next+1, ... and fails after limit ports.
type seqAllocator struct {
	next  int
	limit int
	calls int

	excluded [][]int
}

func (s *seqAllocator) Allocate(exclude ...int) (int, error) {
	s.excluded = append(s.excluded, append([]int(nil), exclude...))
	if s.limit > 0 && s.calls >= s.limit {
		return 0, ports.ErrPortExhausted
	}
	s.calls++
	p := s.next
	s.next++
	return p, nil
}

func testInstance() *registry.Instance {
	return &registry.Instance{
		Name:             "vm1",
		HasSSH:           true,
		HasVNC:           true,
		MemoryMB:         1024,
		Cores:            2,
		LocalhostVNCPort: 5901,
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("Ubuntu")
	require.NoError(t, err)
	assert.Equal(t, Ubuntu, p)
	assert.Equal(t, "ubuntu", p.String())

	p, err = ParsePlatform("debian")
	require.NoError(t, err)
	assert.Equal(t, Debian, p)

	_, err = ParsePlatform("gentoo")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestBuildUbuntu(t *testing.T) {
	b, err := NewBuilder(Ubuntu, "", &seqAllocator{next: 10000})
	require.NoError(t, err)

	inst := testInstance()
	cmd, err := b.Build(inst, "/srv/ps/disks/vm1.dsk")
	require.NoError(t, err)

	want := "/usr/bin/kvm -usbdevice tablet -balloon virtio -boot c -m 1024" +
		" -smp 2,cores=2,sockets=1,threads=1 -machine accel=kvm -no-shutdown" +
		" -hda /srv/ps/disks/vm1.dsk -net nic,model=virtio" +
		" -net user,hostfwd=tcp::10000-:22,hostfwd=tcp::10001-:5900" +
		" -cpu qemu64 -vnc localhost:1"
	assert.Equal(t, want, cmd)
	assert.Equal(t, 10000, inst.SSHMapping)
	assert.Equal(t, 10001, inst.VNCMapping)
	assert.Equal(t, 0, inst.RDPMapping)
}

func TestBuildDebianWithExecutableOverride(t *testing.T) {
	b, err := NewBuilder(Debian, "/opt/qemu/bin/qemu-system-x86_64", &seqAllocator{next: 20000})
	require.NoError(t, err)

	inst := &registry.Instance{Name: "win", HasRDP: true, MemoryMB: 4096, Cores: 4}
	cmd, err := b.Build(inst, "/d/win.dsk")
	require.NoError(t, err)

	want := "/opt/qemu/bin/qemu-system-x86_64 -machine pc,accel=kvm -cpu host -boot c -m 4096" +
		" -smp 4,cores=4,sockets=1,threads=1 -drive file=/d/win.dsk,if=virtio" +
		" -net nic,model=virtio -net user,hostfwd=tcp::20000-:3389" +
		" -usbdevice tablet -no-shutdown -display none"
	assert.Equal(t, want, cmd)
	assert.Equal(t, 20000, inst.RDPMapping)
}

func TestBuildNoForwardedServiceAllocatesNothing(t *testing.T) {
	alloc := &seqAllocator{next: 10000}
	b, err := NewBuilder(Ubuntu, "", alloc)
	require.NoError(t, err)

	inst := &registry.Instance{Name: "dark", MemoryMB: 512, Cores: 1}
	_, err = b.Build(inst, "/d/dark.dsk")
	assert.ErrorIs(t, err, ErrNoForwardedService)
	assert.Equal(t, 0, alloc.calls)
}

func TestBuildExhaustionClearsPartialMappings(t *testing.T) {
	b, err := NewBuilder(Ubuntu, "", &seqAllocator{next: 10000, limit: 1})
	require.NoError(t, err)

	inst := testInstance()
	_, err = b.Build(inst, "/d/vm1.dsk")
	assert.ErrorIs(t, err, ports.ErrPortExhausted)
	assert.Empty(t, inst.Mappings())
}

func TestBuildIsDeterministic(t *testing.T) {
	build := func() string {
		b, err := NewBuilder(Ubuntu, "", &seqAllocator{next: 10000})
		require.NoError(t, err)
		cmd, err := b.Build(testInstance(), "/d/vm1.dsk")
		require.NoError(t, err)
		return cmd
	}
	assert.Equal(t, build(), build())
}

func TestTemplateIsCopied(t *testing.T) {
	b, err := NewBuilder(Ubuntu, "", &seqAllocator{next: 10000})
	require.NoError(t, err)

	first, err := b.Build(testInstance(), "/d/vm1.dsk")
	require.NoError(t, err)
	second, err := b.Build(testInstance(), "/d/vm1.dsk")
	require.NoError(t, err)

	// Repeated builds must not accumulate -net entries.
	assert.Equal(t, 2, countFlag(first, "-net"))
	assert.Equal(t, 2, countFlag(second, "-net"))
}

func countFlag(cmd, flag string) int {
	n := 0
	for _, f := range strings.Fields(cmd) {
		if f == flag {
			n++
		}
	}
	return n
}

func TestBuildExcludesPortsIssuedToSameInstance(t *testing.T) {
	alloc := &seqAllocator{next: 10000}
	b, err := NewBuilder(Ubuntu, "", alloc)
	require.NoError(t, err)

	inst := testInstance()
	inst.HasRDP = true
	_, err = b.Build(inst, "/s/disks/vm1.dsk")
	require.NoError(t, err)
	assert.Equal(t, [][]int{nil, {10000}, {10000, 10001}}, alloc.excluded)
}

func TestBuildSmallPoolExhaustsInsteadOfReusing(t *testing.T) {
	pool, err := ports.New(10000, 10002, noneOccupied{})
	require.NoError(t, err)
	b, err := NewBuilder(Ubuntu, "", pool)
	require.NoError(t, err)

	inst := testInstance()
	inst.HasRDP = true
	_, err = b.Build(inst, "/s/disks/vm1.dsk")
	require.ErrorIs(t, err, ports.ErrPortExhausted)
	assert.Empty(t, inst.Mappings())
}

type noneOccupied struct{}

func (noneOccupied) OccupiedPorts() ([]int, error) { return nil, nil }
