package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// State is the persisted lifecycle state of an instance.
type State string

const (
	StateCloning     State = "cloning"
	StateStopped     State = "stopped"
	StateLaunched    State = "launched"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateTrashed     State = "trashed"
	StateFailed      State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{
	StateCloning, StateStopped, StateLaunched, StateRunning,
	StateTerminating, StateTrashed, StateFailed,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// Service is a guest service that can be forwarded to a host port.
type Service string

const (
	ServiceSSH Service = "ssh"
	ServiceVNC Service = "vnc"
	ServiceRDP Service = "rdp"
)

// Services is the order in which forwarded ports are allocated.
var Services = []Service{ServiceSSH, ServiceVNC, ServiceRDP}

// GuestPort returns the well-known guest port of the service.
func (s Service) GuestPort() int {
	switch s {
	case ServiceSSH:
		return 22
	case ServiceVNC:
		return 5900
	case ServiceRDP:
		return 3389
	}
	return 0
}

// Mapping is one forwarded host port.
type Mapping struct {
	Service   Service
	HostPort  int
	GuestPort int
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,60}$`)

// ValidName reports whether name is usable as an instance, image or
// flavour name. Names end up in file paths and command lines.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidFilename reports whether name is a single path element usable as
// an image or disk file: no separators, no whitespace, no leading dot.
func ValidFilename(name string) bool {
	return filenamePattern.MatchString(name)
}

// Instance is a virtual machine record driven by the orchestrator.
type Instance struct {
	Name        string `json:"name"`
	ImageName   string `json:"image"`
	FlavourName string `json:"flavour"`
	State       State  `json:"state"`

	HasSSH bool `json:"has_ssh"`
	HasVNC bool `json:"has_vnc"`
	HasRDP bool `json:"has_rdp"`

	// Host ports, 0 when unmapped. Set only while running.
	SSHMapping int `json:"ssh_mapping,omitempty"`
	VNCMapping int `json:"vnc_mapping,omitempty"`
	RDPMapping int `json:"rdp_mapping,omitempty"`

	// LocalhostVNCPort is assigned on first start and kept afterwards.
	LocalhostVNCPort int `json:"localhost_vnc_port,omitempty"`

	// DiskFile overrides the derived disk filename.
	DiskFile string `json:"disk_file,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Joined from images and flavours on read.
	ImageFilename   string `json:"image_filename,omitempty"`
	ImageDiskSizeMB int    `json:"image_disk_size_mb,omitempty"`
	MemoryMB        int    `json:"memory_mb,omitempty"`
	Cores           int    `json:"cores,omitempty"`
}

// diskFileExpr is DiskFilename in SQL.
const diskFileExpr = `(CASE WHEN disk_file = '' THEN name || '.dsk' ELSE disk_file END)`

// DiskFilename is the name of the instance disk under the disks directory.
func (i *Instance) DiskFilename() string {
	if i.DiskFile != "" {
		return i.DiskFile
	}
	return i.Name + ".dsk"
}

// Enabled reports whether the instance wants svc forwarded.
func (i *Instance) Enabled(svc Service) bool {
	switch svc {
	case ServiceSSH:
		return i.HasSSH
	case ServiceVNC:
		return i.HasVNC
	case ServiceRDP:
		return i.HasRDP
	}
	return false
}

// HasForwardedService reports whether any service is enabled.
func (i *Instance) HasForwardedService() bool {
	return i.HasSSH || i.HasVNC || i.HasRDP
}

// MapPort records hostPort as the forward for svc.
func (i *Instance) MapPort(svc Service, hostPort int) error {
	if !i.Enabled(svc) {
		return fmt.Errorf("instance %s: cannot map %s, service not enabled", i.Name, svc)
	}
	switch svc {
	case ServiceSSH:
		i.SSHMapping = hostPort
	case ServiceVNC:
		i.VNCMapping = hostPort
	case ServiceRDP:
		i.RDPMapping = hostPort
	}
	return nil
}

// Mappings returns the set forwards in service order.
func (i *Instance) Mappings() []Mapping {
	var out []Mapping
	for _, svc := range Services {
		var host int
		switch svc {
		case ServiceSSH:
			host = i.SSHMapping
		case ServiceVNC:
			host = i.VNCMapping
		case ServiceRDP:
			host = i.RDPMapping
		}
		if host != 0 {
			out = append(out, Mapping{Service: svc, HostPort: host, GuestPort: svc.GuestPort()})
		}
	}
	return out
}

// ClearMappings frees all forwarded ports.
func (i *Instance) ClearMappings() {
	i.SSHMapping = 0
	i.VNCMapping = 0
	i.RDPMapping = 0
}

const selectInstance = `
	SELECT i.name, i.image, i.flavour, i.state, i.has_ssh, i.has_vnc, i.has_rdp,
		i.ssh_mapping, i.vnc_mapping, i.rdp_mapping, i.localhost_vnc_port, i.disk_file,
		i.created_at, i.updated_at,
		COALESCE(im.filename, ''), COALESCE(im.disk_size_mb, 0), COALESCE(f.memory_mb, 0), COALESCE(f.cores, 0)
	FROM instances i
	LEFT JOIN images im ON im.name = i.image
	LEFT JOIN flavours f ON f.name = i.flavour`

// CreateInstance inserts a new instance in the cloning state. The image
// and flavour must exist.
func (d *DB) CreateInstance(inst *Instance) error {
	if !ValidName(inst.Name) {
		return fmt.Errorf("instance %q: %w", inst.Name, ErrInvalidName)
	}
	if inst.DiskFile != "" && !ValidFilename(inst.DiskFile) {
		return fmt.Errorf("disk file %q: %w", inst.DiskFile, ErrInvalidName)
	}
	img, err := d.GetImage(inst.ImageName)
	if err != nil {
		return err
	}
	if img == nil {
		return fmt.Errorf("image %s: %w", inst.ImageName, ErrNotFound)
	}
	fl, err := d.GetFlavour(inst.FlavourName)
	if err != nil {
		return err
	}
	if fl == nil {
		return fmt.Errorf("flavour %s: %w", inst.FlavourName, ErrNotFound)
	}

	ts := now()
	// The insert is skipped when the name or the disk file is taken.
	res, err := d.db.Exec(`
		INSERT INTO instances (name, image, flavour, state, has_ssh, has_vnc, has_rdp, disk_file, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM instances WHERE `+diskFileExpr+` = ?)
		ON CONFLICT(name) DO NOTHING
	`, inst.Name, inst.ImageName, inst.FlavourName, string(StateCloning),
		boolInt(inst.HasSSH), boolInt(inst.HasVNC), boolInt(inst.HasRDP), inst.DiskFile, ts, ts,
		inst.DiskFilename())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := d.GetInstance(inst.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("instance %s: %w", inst.Name, ErrExists)
		}
		return fmt.Errorf("disk file %s: %w", inst.DiskFilename(), ErrExists)
	}

	inst.State = StateCloning
	inst.CreatedAt = parseTime(ts)
	inst.UpdatedAt = inst.CreatedAt
	inst.ImageFilename = img.Filename
	inst.ImageDiskSizeMB = img.DiskSizeMB
	inst.MemoryMB = fl.MemoryMB
	inst.Cores = fl.Cores
	return nil
}

// SaveInstance inserts or replaces an instance. The whole record,
// including its state, is written by one statement.
func (d *DB) SaveInstance(inst *Instance) error {
	created := inst.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	ts := now()
	_, err := d.db.Exec(`
		INSERT INTO instances (name, image, flavour, state, has_ssh, has_vnc, has_rdp,
			ssh_mapping, vnc_mapping, rdp_mapping, localhost_vnc_port, disk_file, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			image = excluded.image,
			flavour = excluded.flavour,
			state = excluded.state,
			has_ssh = excluded.has_ssh,
			has_vnc = excluded.has_vnc,
			has_rdp = excluded.has_rdp,
			ssh_mapping = excluded.ssh_mapping,
			vnc_mapping = excluded.vnc_mapping,
			rdp_mapping = excluded.rdp_mapping,
			localhost_vnc_port = excluded.localhost_vnc_port,
			disk_file = excluded.disk_file,
			updated_at = excluded.updated_at
	`, inst.Name, inst.ImageName, inst.FlavourName, string(inst.State),
		boolInt(inst.HasSSH), boolInt(inst.HasVNC), boolInt(inst.HasRDP),
		nullPort(inst.SSHMapping), nullPort(inst.VNCMapping), nullPort(inst.RDPMapping),
		inst.LocalhostVNCPort, inst.DiskFile,
		created.UTC().Format(time.RFC3339), ts)
	if err != nil {
		return err
	}
	inst.UpdatedAt = parseTime(ts)
	return nil
}

// GetInstance retrieves an instance by name. Returns nil, nil if absent.
func (d *DB) GetInstance(name string) (*Instance, error) {
	row := d.db.QueryRow(selectInstance+` WHERE i.name = ?`, name)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

// ListInstances returns all instances ordered by name.
func (d *DB) ListInstances() ([]*Instance, error) {
	return d.queryInstances(selectInstance + ` ORDER BY i.name`)
}

// FindByState returns the instances in exactly the given state, ordered
// by name.
func (d *DB) FindByState(state State) ([]*Instance, error) {
	return d.queryInstances(selectInstance+` WHERE i.state = ? ORDER BY i.name`, string(state))
}

func (d *DB) queryInstances(query string, args ...any) ([]*Instance, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateState sets an instance's state unconditionally.
func (d *DB) UpdateState(name string, state State) error {
	res, err := d.db.Exec(`
		UPDATE instances SET state = ?, updated_at = ? WHERE name = ?
	`, string(state), now(), name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s: %w", name, ErrNotFound)
	}
	return nil
}

// CompareAndSetState moves an instance from one state to another only if
// it is still in from. Reports whether the write happened.
func (d *DB) CompareAndSetState(name string, from, to State) (bool, error) {
	res, err := d.db.Exec(`
		UPDATE instances SET state = ?, updated_at = ? WHERE name = ? AND state = ?
	`, string(to), now(), name, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteInstance removes an instance.
func (d *DB) DeleteInstance(name string) error {
	_, err := d.db.Exec(`DELETE FROM instances WHERE name = ?`, name)
	return err
}

// OccupiedPorts returns every forwarded host port held by a running
// instance.
func (d *DB) OccupiedPorts() ([]int, error) {
	rows, err := d.db.Query(`
		SELECT ssh_mapping, vnc_mapping, rdp_mapping FROM instances WHERE state = ?
	`, string(StateRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var ssh, vnc, rdp sql.NullInt64
		if err := rows.Scan(&ssh, &vnc, &rdp); err != nil {
			return nil, err
		}
		for _, p := range []sql.NullInt64{ssh, vnc, rdp} {
			if p.Valid && p.Int64 != 0 {
				ports = append(ports, int(p.Int64))
			}
		}
	}
	return ports, rows.Err()
}

// UsedVNCPorts returns all assigned local VNC display ports.
func (d *DB) UsedVNCPorts() ([]int, error) {
	rows, err := d.db.Query(`
		SELECT localhost_vnc_port FROM instances WHERE localhost_vnc_port > 0 ORDER BY localhost_vnc_port
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func scanInstance(s scanner) (*Instance, error) {
	var inst Instance
	var state, createdStr, updatedStr string
	var hasSSH, hasVNC, hasRDP int
	var ssh, vnc, rdp sql.NullInt64

	err := s.Scan(&inst.Name, &inst.ImageName, &inst.FlavourName, &state,
		&hasSSH, &hasVNC, &hasRDP, &ssh, &vnc, &rdp,
		&inst.LocalhostVNCPort, &inst.DiskFile, &createdStr, &updatedStr,
		&inst.ImageFilename, &inst.ImageDiskSizeMB, &inst.MemoryMB, &inst.Cores)
	if err != nil {
		return nil, err
	}

	inst.State = State(state)
	inst.HasSSH = hasSSH != 0
	inst.HasVNC = hasVNC != 0
	inst.HasRDP = hasRDP != 0
	inst.SSHMapping = int(ssh.Int64)
	inst.VNCMapping = int(vnc.Int64)
	inst.RDPMapping = int(rdp.Int64)
	inst.CreatedAt = parseTime(createdStr)
	inst.UpdatedAt = parseTime(updatedStr)
	return &inst, nil
}
