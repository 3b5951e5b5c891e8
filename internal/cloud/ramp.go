package cloud

// rampStops is a blue→cyan→green→yellow→red thermal ramp sampled at five
// evenly spaced positions.
var rampStops = [5][3]uint32{
	{0x00, 0x00, 0xff},
	{0x00, 0xff, 0xff},
	{0x00, 0xff, 0x00},
	{0xff, 0xff, 0x00},
	{0xff, 0x00, 0x00},
}

// intensityRGB maps a raw intensity to a packed 0x00RRGGBB colour. Sensor
// intensities are uncalibrated; values are clamped into [0, 255] before
// mapping.
func intensityRGB(intensity float32) uint32 {
	v := intensity / 255
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	pos := v * float32(len(rampStops)-1)
	i := int(pos)
	if i >= len(rampStops)-1 {
		c := rampStops[len(rampStops)-1]
		return c[0]<<16 | c[1]<<8 | c[2]
	}
	u := pos - float32(i)
	lo, hi := rampStops[i], rampStops[i+1]
	r := uint32(float32(lo[0]) + u*(float32(hi[0])-float32(lo[0])))
	g := uint32(float32(lo[1]) + u*(float32(hi[1])-float32(lo[1])))
	b := uint32(float32(lo[2]) + u*(float32(hi[2])-float32(lo[2])))
	return r<<16 | g<<8 | b
}
