// Package hypervisor renders instance attributes into a hypervisor
// command line.
package hypervisor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPlatform is returned for a platform key with no template.
var ErrUnknownPlatform = errors.New("unknown platform")

// Platform selects a parameter template.
type Platform int

const (
	Ubuntu Platform = iota
	Debian
)

var platformNames = map[Platform]string{
	Ubuntu: "ubuntu",
	Debian: "debian",
}

func (p Platform) String() string {
	if s, ok := platformNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Platform(%d)", int(p))
}

// ParsePlatform maps a configuration key onto a Platform.
func ParsePlatform(s string) (Platform, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for p, name := range platformNames {
		if name == key {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// Param is one command-line flag. More than one value renders the flag
// once per value.
type Param struct {
	Flag   string
	Values []string
}

// Template is the default executable and ordered parameters of a
// platform. Values may reference {memory}, {cores} and {disk}.
type Template struct {
	Executable string
	Params     []Param
}

func one(flag string, value ...string) Param {
	return Param{Flag: flag, Values: value}
}

// Template returns a fresh copy of the platform's parameter template.
func (p Platform) Template() (Template, error) {
	var t Template
	switch p {
	case Ubuntu:
		t = Template{
			Executable: "/usr/bin/kvm",
			Params: []Param{
				one("-usbdevice", "tablet"),
				one("-balloon", "virtio"),
				one("-boot", "c"),
				one("-m", "{memory}"),
				one("-smp", "{cores},cores={cores},sockets=1,threads=1"),
				one("-machine", "accel=kvm"),
				one("-no-shutdown"),
				one("-hda", "{disk}"),
				one("-net", "nic,model=virtio"),
				one("-cpu", "qemu64"),
			},
		}
	case Debian:
		t = Template{
			Executable: "/usr/bin/qemu-system-x86_64",
			Params: []Param{
				one("-machine", "pc,accel=kvm"),
				one("-cpu", "host"),
				one("-boot", "c"),
				one("-m", "{memory}"),
				one("-smp", "{cores},cores={cores},sockets=1,threads=1"),
				one("-drive", "file={disk},if=virtio"),
				one("-net", "nic,model=virtio"),
				one("-usbdevice", "tablet"),
				one("-no-shutdown"),
			},
		}
	default:
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, p)
	}
	return t, nil
}
