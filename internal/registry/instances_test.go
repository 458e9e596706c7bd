package registry

import (
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedDB adds the "ubuntu" image and "small" flavour most tests need.
func seedDB(t *testing.T) *DB {
	t.Helper()
	db := openTestDB(t)
	if err := db.SaveImage(&Image{Name: "ubuntu", Filename: "ubuntu-22.04.img", DiskSizeMB: 2048}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveFlavour(&Flavour{Name: "small", MemoryMB: 512, Cores: 2}); err != nil {
		t.Fatal(err)
	}
	return db
}

func createInstance(t *testing.T, db *DB, name string) *Instance {
	t.Helper()
	inst := &Instance{Name: name, ImageName: "ubuntu", FlavourName: "small", HasSSH: true, HasVNC: true}
	if err := db.CreateInstance(inst); err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestCreateAndGetInstance(t *testing.T) {
	db := seedDB(t)
	inst := createInstance(t, db, "vm1")

	if inst.State != StateCloning {
		t.Errorf("state = %q, want %q", inst.State, StateCloning)
	}

	got, err := db.GetInstance("vm1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected instance, got nil")
	}
	if got.State != StateCloning {
		t.Errorf("state = %q, want %q", got.State, StateCloning)
	}
	if got.ImageFilename != "ubuntu-22.04.img" {
		t.Errorf("image filename = %q", got.ImageFilename)
	}
	if got.MemoryMB != 512 || got.Cores != 2 {
		t.Errorf("flavour = %dMB/%d cores, want 512MB/2 cores", got.MemoryMB, got.Cores)
	}
	if !got.HasSSH || !got.HasVNC || got.HasRDP {
		t.Errorf("services = ssh:%v vnc:%v rdp:%v", got.HasSSH, got.HasVNC, got.HasRDP)
	}
	if got.DiskFilename() != "vm1.dsk" {
		t.Errorf("disk filename = %q", got.DiskFilename())
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestCreateInstanceRejects(t *testing.T) {
	db := seedDB(t)
	createInstance(t, db, "vm1")

	err := db.CreateInstance(&Instance{Name: "vm1", ImageName: "ubuntu", FlavourName: "small"})
	if !errors.Is(err, ErrExists) {
		t.Errorf("duplicate: err = %v, want ErrExists", err)
	}

	err = db.CreateInstance(&Instance{Name: "vm2", ImageName: "nope", FlavourName: "small"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing image: err = %v, want ErrNotFound", err)
	}

	err = db.CreateInstance(&Instance{Name: "vm2", ImageName: "ubuntu", FlavourName: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing flavour: err = %v, want ErrNotFound", err)
	}

	err = db.CreateInstance(&Instance{Name: "bad name", ImageName: "ubuntu", FlavourName: "small"})
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("bad name: err = %v, want ErrInvalidName", err)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetInstance("nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent instance")
	}
}

func TestSaveInstanceRoundTripsMappings(t *testing.T) {
	db := seedDB(t)
	inst := createInstance(t, db, "vm1")

	inst.State = StateRunning
	inst.SSHMapping = 10001
	inst.VNCMapping = 10002
	inst.LocalhostVNCPort = 5901
	if err := db.SaveInstance(inst); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetInstance("vm1")
	if got.State != StateRunning {
		t.Errorf("state = %q", got.State)
	}
	if got.SSHMapping != 10001 || got.VNCMapping != 10002 || got.RDPMapping != 0 {
		t.Errorf("mappings = %d/%d/%d", got.SSHMapping, got.VNCMapping, got.RDPMapping)
	}
	if got.LocalhostVNCPort != 5901 {
		t.Errorf("localhost vnc port = %d", got.LocalhostVNCPort)
	}

	got.ClearMappings()
	got.State = StateStopped
	if err := db.SaveInstance(got); err != nil {
		t.Fatal(err)
	}
	again, _ := db.GetInstance("vm1")
	if len(again.Mappings()) != 0 {
		t.Errorf("mappings after clear = %v", again.Mappings())
	}
	if again.LocalhostVNCPort != 5901 {
		t.Errorf("localhost vnc port changed to %d", again.LocalhostVNCPort)
	}
}

func TestFindByStateOrderedByName(t *testing.T) {
	db := seedDB(t)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		createInstance(t, db, name)
	}
	if err := db.UpdateState("bravo", StateStopped); err != nil {
		t.Fatal(err)
	}

	cloning, err := db.FindByState(StateCloning)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, inst := range cloning {
		names = append(names, inst.Name)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "charlie"}) {
		t.Errorf("cloning = %v, want [alpha charlie]", names)
	}

	running, err := db.FindByState(StateRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 0 {
		t.Errorf("running = %d, want 0", len(running))
	}
}

func TestUpdateStateNotFound(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateState("ghost", StateStopped)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompareAndSetState(t *testing.T) {
	db := seedDB(t)
	createInstance(t, db, "vm1")
	db.UpdateState("vm1", StateStopped)

	ok, err := db.CompareAndSetState("vm1", StateStopped, StateLaunched)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected swap from stopped to launched")
	}

	ok, err = db.CompareAndSetState("vm1", StateStopped, StateTrashed)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("swap from a stale state must not happen")
	}

	got, _ := db.GetInstance("vm1")
	if got.State != StateLaunched {
		t.Errorf("state = %q, want launched", got.State)
	}
}

func TestOccupiedPortsOnlyRunning(t *testing.T) {
	db := seedDB(t)

	running := createInstance(t, db, "run")
	running.State = StateRunning
	running.SSHMapping = 10000
	running.VNCMapping = 10001
	db.SaveInstance(running)

	// Mappings on a non-running record do not hold ports.
	stale := createInstance(t, db, "stale")
	stale.State = StateTerminating
	stale.SSHMapping = 10005
	db.SaveInstance(stale)

	ports, err := db.OccupiedPorts()
	if err != nil {
		t.Fatal(err)
	}
	sort.Ints(ports)
	if !reflect.DeepEqual(ports, []int{10000, 10001}) {
		t.Errorf("occupied = %v, want [10000 10001]", ports)
	}
}

func TestUsedVNCPorts(t *testing.T) {
	db := seedDB(t)
	a := createInstance(t, db, "a")
	a.LocalhostVNCPort = 5903
	db.SaveInstance(a)
	b := createInstance(t, db, "b")
	b.LocalhostVNCPort = 5901
	db.SaveInstance(b)
	createInstance(t, db, "c")

	ports, err := db.UsedVNCPorts()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ports, []int{5901, 5903}) {
		t.Errorf("vnc ports = %v", ports)
	}
}

func TestDeleteInstance(t *testing.T) {
	db := seedDB(t)
	createInstance(t, db, "vm1")

	if err := db.DeleteInstance("vm1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetInstance("vm1")
	if got != nil {
		t.Error("instance should be deleted")
	}
}

func TestMapPortRequiresService(t *testing.T) {
	inst := &Instance{Name: "vm1", HasSSH: true}

	if err := inst.MapPort(ServiceSSH, 10000); err != nil {
		t.Fatal(err)
	}
	if err := inst.MapPort(ServiceRDP, 10001); err == nil {
		t.Error("mapping a disabled service should fail")
	}

	m := inst.Mappings()
	if len(m) != 1 || m[0].HostPort != 10000 || m[0].GuestPort != 22 {
		t.Errorf("mappings = %+v", m)
	}
}

func TestDiskFileOverride(t *testing.T) {
	inst := &Instance{Name: "vm1", ImageFilename: "base.img", DiskFile: "custom.qcow2"}
	if inst.DiskFilename() != "custom.qcow2" {
		t.Errorf("disk filename = %q", inst.DiskFilename())
	}
}

func TestCreateInstanceRejectsUnsafeDiskFile(t *testing.T) {
	db := seedDB(t)

	for _, name := range []string{"../db/picostack.sqlite3", "a/b.dsk", "/etc/passwd", "with space.dsk", "..", ".hidden"} {
		err := db.CreateInstance(&Instance{Name: "vm1", ImageName: "ubuntu", FlavourName: "small", DiskFile: name})
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("disk file %q: err = %v, want ErrInvalidName", name, err)
		}
	}
	if inst, _ := db.GetInstance("vm1"); inst != nil {
		t.Error("rejected instance was stored")
	}
}

func TestCreateInstanceRejectsSharedDiskFile(t *testing.T) {
	db := seedDB(t)
	createInstance(t, db, "vm1")

	// vm2 asks for the file vm1 uses by default.
	err := db.CreateInstance(&Instance{Name: "vm2", ImageName: "ubuntu", FlavourName: "small", DiskFile: "vm1.dsk"})
	if !errors.Is(err, ErrExists) {
		t.Errorf("shared default disk: err = %v, want ErrExists", err)
	}

	if err := db.CreateInstance(&Instance{Name: "vm3", ImageName: "ubuntu", FlavourName: "small", DiskFile: "shared.qcow2"}); err != nil {
		t.Fatal(err)
	}
	err = db.CreateInstance(&Instance{Name: "vm4", ImageName: "ubuntu", FlavourName: "small", DiskFile: "shared.qcow2"})
	if !errors.Is(err, ErrExists) {
		t.Errorf("shared explicit disk: err = %v, want ErrExists", err)
	}

	// An explicit file named like a future default blocks that name.
	if err := db.CreateInstance(&Instance{Name: "vm5", ImageName: "ubuntu", FlavourName: "small", DiskFile: "vm6.dsk"}); err != nil {
		t.Fatal(err)
	}
	err = db.CreateInstance(&Instance{Name: "vm6", ImageName: "ubuntu", FlavourName: "small"})
	if !errors.Is(err, ErrExists) {
		t.Errorf("default clashes with explicit: err = %v, want ErrExists", err)
	}
	if inst, _ := db.GetInstance("vm6"); inst != nil {
		t.Error("vm6 was stored")
	}
}
