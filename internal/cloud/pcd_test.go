package cloud

import (
	"bytes"
	"strings"
	"testing"
)

func testCloud(layout Layout) *PointCloud {
	c := GetPointCloud(layout)
	c.ID = "test"
	c.Frame = "map"
	for i := 0; i < 3; i++ {
		c.X = append(c.X, float32(i))
		c.Y = append(c.Y, float32(i)*2)
		c.Z = append(c.Z, 0.5)
		if layout != LayoutXYZ {
			c.Intensity = append(c.Intensity, float32(100+i))
		}
		if layout == LayoutXYZRGB {
			c.RGB = append(c.RGB, intensityRGB(float32(100+i)))
		}
	}
	return c
}

func TestWritePCD_ASCII(t *testing.T) {
	c := testCloud(LayoutXYZI)
	defer c.Release()

	var buf bytes.Buffer
	if err := WritePCD(&buf, c, false); err != nil {
		t.Fatalf("WritePCD() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"VERSION 0.7\n",
		"FIELDS x y z intensity\n",
		"TYPE F F F F\n",
		"WIDTH 3\n",
		"POINTS 3\n",
		"DATA ascii\n",
		"1.000000 2.000000 0.500000 101.000000\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("PCD output missing %q", want)
		}
	}
	// 11 header lines plus one row per point.
	if lines := strings.Count(out, "\n"); lines != 11+3 {
		t.Errorf("PCD output has %d lines, expected 14", lines)
	}
}

func TestWritePCD_XYZOmitsIntensity(t *testing.T) {
	c := testCloud(LayoutXYZ)
	defer c.Release()

	var buf bytes.Buffer
	if err := WritePCD(&buf, c, false); err != nil {
		t.Fatalf("WritePCD() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "FIELDS x y z\n") {
		t.Error("PCD output missing xyz-only FIELDS line")
	}
	if !strings.Contains(out, "0.000000 0.000000 0.500000\n") {
		t.Error("PCD output missing three-column row")
	}
}

func TestWritePCD_RGBFieldIsUnsigned(t *testing.T) {
	c := testCloud(LayoutXYZRGB)
	defer c.Release()

	var buf bytes.Buffer
	if err := WritePCD(&buf, c, false); err != nil {
		t.Fatalf("WritePCD() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "FIELDS x y z rgb\n") {
		t.Error("PCD output missing rgb FIELDS line")
	}
	if !strings.Contains(out, "TYPE F F F U\n") {
		t.Error("PCD output missing unsigned rgb TYPE line")
	}
}

func TestWritePCD_BinaryPayloadSize(t *testing.T) {
	c := testCloud(LayoutXYZI)
	defer c.Release()

	var buf bytes.Buffer
	if err := WritePCD(&buf, c, true); err != nil {
		t.Fatalf("WritePCD() error = %v", err)
	}
	out := buf.Bytes()

	marker := []byte("DATA binary\n")
	idx := bytes.Index(out, marker)
	if idx < 0 {
		t.Fatal("PCD output missing DATA binary line")
	}
	payload := out[idx+len(marker):]
	if len(payload) != 3*16 {
		t.Errorf("binary payload = %d bytes, expected %d", len(payload), 3*16)
	}
}

func TestWriteASC(t *testing.T) {
	c := testCloud(LayoutXYZI)
	defer c.Release()

	var buf bytes.Buffer
	if err := WriteASC(&buf, c); err != nil {
		t.Fatalf("WriteASC() error = %v", err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "# Exported points\n# Format: X Y Z Intensity\n") {
		t.Errorf("ASC header wrong:\n%s", out)
	}
	if !strings.Contains(out, "2.000000 4.000000 0.500000 102.000\n") {
		t.Error("ASC output missing expected row")
	}
}

func TestWriteASC_XYZHasNoIntensityColumn(t *testing.T) {
	c := testCloud(LayoutXYZ)
	defer c.Release()

	var buf bytes.Buffer
	if err := WriteASC(&buf, c); err != nil {
		t.Fatalf("WriteASC() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "# Format: X Y Z\n") {
		t.Error("ASC header advertises an intensity column for an xyz cloud")
	}
	if !strings.Contains(out, "1.000000 2.000000 0.500000\n") {
		t.Error("ASC output missing three-column row")
	}
}
