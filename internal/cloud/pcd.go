package cloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WritePCD writes the cloud in PCD v0.7, the format PCL and CloudCompare
// read. ascii data carries six decimal places; binary data is the
// little-endian image of the per-point fields.
//
// Fields by layout:
//
//	xyz     x y z            (FLOAT32 each)
//	xyzi    x y z intensity  (FLOAT32 each)
//	xyzrgb  x y z rgb        (FLOAT32 x3, UINT32 packed 0x00RRGGBB)
func WritePCD(w io.Writer, c *PointCloud, binary bool) error {
	bw := bufio.NewWriter(w)
	if err := writePCDHeader(bw, c, binary); err != nil {
		return err
	}
	var err error
	if binary {
		err = writePCDBinary(bw, c)
	} else {
		err = writePCDASCII(bw, c)
	}
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush pcd: %w", err)
	}
	return nil
}

func writePCDHeader(w io.Writer, c *PointCloud, binary bool) error {
	var fields, size, typ, count string
	switch c.Layout {
	case LayoutXYZI:
		fields, size, typ, count = "x y z intensity", "4 4 4 4", "F F F F", "1 1 1 1"
	case LayoutXYZRGB:
		fields, size, typ, count = "x y z rgb", "4 4 4 4", "F F F U", "1 1 1 1"
	default:
		fields, size, typ, count = "x y z", "4 4 4", "F F F", "1 1 1"
	}
	data := "ascii"
	if binary {
		data = "binary"
	}
	_, err := fmt.Fprintf(w,
		"# .PCD v0.7 - Point Cloud Data file format\n"+
			"VERSION 0.7\n"+
			"FIELDS %s\n"+
			"SIZE %s\n"+
			"TYPE %s\n"+
			"COUNT %s\n"+
			"WIDTH %d\n"+
			"HEIGHT 1\n"+
			"VIEWPOINT 0 0 0 1 0 0 0\n"+
			"POINTS %d\n"+
			"DATA %s\n",
		fields, size, typ, count, c.Len(), c.Len(), data)
	if err != nil {
		return fmt.Errorf("write pcd header: %w", err)
	}
	return nil
}

func writePCDASCII(w io.Writer, c *PointCloud) error {
	for i := 0; i < c.Len(); i++ {
		var err error
		switch c.Layout {
		case LayoutXYZI:
			_, err = fmt.Fprintf(w, "%.6f %.6f %.6f %.6f\n", c.X[i], c.Y[i], c.Z[i], c.Intensity[i])
		case LayoutXYZRGB:
			_, err = fmt.Fprintf(w, "%.6f %.6f %.6f %d\n", c.X[i], c.Y[i], c.Z[i], c.RGB[i])
		default:
			_, err = fmt.Fprintf(w, "%.6f %.6f %.6f\n", c.X[i], c.Y[i], c.Z[i])
		}
		if err != nil {
			return fmt.Errorf("write pcd row %d: %w", i, err)
		}
	}
	return nil
}

func writePCDBinary(w io.Writer, c *PointCloud) error {
	stride := 12
	if c.Layout != LayoutXYZ {
		stride = 16
	}
	row := make([]byte, stride)
	for i := 0; i < c.Len(); i++ {
		binary.LittleEndian.PutUint32(row[0:4], math.Float32bits(c.X[i]))
		binary.LittleEndian.PutUint32(row[4:8], math.Float32bits(c.Y[i]))
		binary.LittleEndian.PutUint32(row[8:12], math.Float32bits(c.Z[i]))
		switch c.Layout {
		case LayoutXYZI:
			binary.LittleEndian.PutUint32(row[12:16], math.Float32bits(c.Intensity[i]))
		case LayoutXYZRGB:
			binary.LittleEndian.PutUint32(row[12:16], c.RGB[i])
		}
		if _, err := w.Write(row); err != nil {
			return fmt.Errorf("write pcd row %d: %w", i, err)
		}
	}
	return nil
}
