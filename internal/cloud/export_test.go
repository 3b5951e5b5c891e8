package cloud

import (
	"strings"
	"testing"

	"github.com/calyx-robotics/scancloud/internal/fsutil"
)

func TestExporter_ExportPCD(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	e := &Exporter{FS: fs, Dir: "exports"}
	c := testCloud(LayoutXYZI)
	defer c.Release()

	path, err := e.ExportPCD("cloud-1", c, false)
	if err != nil {
		t.Fatalf("ExportPCD() error = %v", err)
	}
	if path != "exports/cloud-1.pcd" {
		t.Errorf("path = %q, expected %q", path, "exports/cloud-1.pcd")
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", path, err)
	}
	if !strings.HasPrefix(string(data), "# .PCD v0.7") {
		t.Errorf("exported file does not start with a PCD header:\n%s", data[:40])
	}
}

func TestExporter_ExportASC(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	e := &Exporter{FS: fs, Dir: "exports"}
	c := testCloud(LayoutXYZ)
	defer c.Release()

	path, err := e.ExportASC("flat", c)
	if err != nil {
		t.Fatalf("ExportASC() error = %v", err)
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", path, err)
	}
	if !strings.HasPrefix(string(data), "# Exported points\n") {
		t.Error("exported ASC file missing header")
	}
}

func TestExporter_SanitizesHostileNames(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	e := &Exporter{FS: fs, Dir: "exports"}
	c := testCloud(LayoutXYZ)
	defer c.Release()

	path, err := e.ExportPCD("../../etc/passwd", c, false)
	if err != nil {
		t.Fatalf("ExportPCD() error = %v", err)
	}
	if path != "exports/etc_passwd.pcd" {
		t.Errorf("path = %q, expected the name collapsed inside the export dir", path)
	}
	if !fs.Exists(path) {
		t.Error("sanitized export file missing")
	}
}

func TestExporter_KeepsExplicitExtension(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	e := &Exporter{FS: fs, Dir: "exports"}
	c := testCloud(LayoutXYZ)
	defer c.Release()

	path, err := e.ExportPCD("snapshot.pcd", c, true)
	if err != nil {
		t.Fatalf("ExportPCD() error = %v", err)
	}
	if path != "exports/snapshot.pcd" {
		t.Errorf("path = %q, expected no doubled extension", path)
	}
}

func TestExporter_RejectsEmptyName(t *testing.T) {
	e := &Exporter{FS: fsutil.NewMemoryFileSystem(), Dir: "exports"}
	c := testCloud(LayoutXYZ)
	defer c.Release()

	if _, err := e.ExportPCD("", c, false); err == nil {
		t.Error("ExportPCD(\"\") succeeded, expected an error")
	}
	e2 := &Exporter{FS: fsutil.NewMemoryFileSystem()}
	if _, err := e2.ExportPCD("x", c, false); err == nil {
		t.Error("ExportPCD() without a directory succeeded, expected an error")
	}
}
