package cloud

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"

	"github.com/calyx-robotics/scancloud/internal/fsutil"
	"github.com/calyx-robotics/scancloud/internal/security"
)

// WriteASC writes points as whitespace-separated ASCII rows, one point per
// line. Clouds with an intensity channel get a fourth column.
func WriteASC(w io.Writer, c *PointCloud) error {
	bw := bufio.NewWriter(w)
	withIntensity := c.Layout != LayoutXYZ
	suffix := ""
	if withIntensity {
		suffix = " Intensity"
	}
	if _, err := fmt.Fprintf(bw, "# Exported points\n# Format: X Y Z%s\n", suffix); err != nil {
		return fmt.Errorf("write asc header: %w", err)
	}
	for i := 0; i < c.Len(); i++ {
		var err error
		if withIntensity {
			_, err = fmt.Fprintf(bw, "%.6f %.6f %.6f %.3f\n", c.X[i], c.Y[i], c.Z[i], c.Intensity[i])
		} else {
			_, err = fmt.Fprintf(bw, "%.6f %.6f %.6f\n", c.X[i], c.Y[i], c.Z[i])
		}
		if err != nil {
			return fmt.Errorf("write asc row %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush asc: %w", err)
	}
	return nil
}

// Exporter writes clouds beneath a fixed directory. File names are
// sanitized to a single path component so a caller-supplied name cannot
// escape the directory.
type Exporter struct {
	FS  fsutil.FileSystem
	Dir string
}

// ExportPCD writes the cloud as <dir>/<name>.pcd and returns the path.
func (e *Exporter) ExportPCD(name string, c *PointCloud, binary bool) (string, error) {
	path, err := e.resolve(name, ".pcd")
	if err != nil {
		return "", err
	}
	if err := e.write(path, func(w io.Writer) error { return WritePCD(w, c, binary) }); err != nil {
		return "", err
	}
	return path, nil
}

// ExportASC writes the cloud as <dir>/<name>.asc and returns the path.
func (e *Exporter) ExportASC(name string, c *PointCloud) (string, error) {
	path, err := e.resolve(name, ".asc")
	if err != nil {
		return "", err
	}
	if err := e.write(path, func(w io.Writer) error { return WriteASC(w, c) }); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Exporter) resolve(name, ext string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("export name is empty")
	}
	if e.Dir == "" {
		return "", fmt.Errorf("export directory not configured")
	}
	base := security.SanitizeFilename(name)
	if filepath.Ext(base) != ext {
		base += ext
	}
	return filepath.Join(e.Dir, base), nil
}

func (e *Exporter) write(path string, fill func(io.Writer) error) error {
	if err := e.FS.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	f, err := e.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
