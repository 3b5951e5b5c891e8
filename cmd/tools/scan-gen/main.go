// Command scan-gen sends synthetic laser scan and pose datagrams to an
// assembler. The simulated sensor drives a circle inside a round room,
// so the assembled cloud should come out as the room's wall. Useful for
// demos and soak tests without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/rand"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/calyx-robotics/scancloud/internal/geom"
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/tf"
)

var (
	addr    = flag.String("addr", "127.0.0.1:8765", "assembler UDP address")
	rate    = flag.Float64("rate", 10, "scans per second")
	count   = flag.Int("n", 0, "number of scans to send (0 = until interrupted)")
	samples = flag.Int("samples", 360, "range samples per scan")
	fovDeg  = flag.Float64("fov", 270, "field of view in degrees")

	rangeMin = flag.Float64("range-min", 0.1, "advertised minimum range in metres")
	rangeMax = flag.Float64("range-max", 30, "advertised maximum range in metres")
	noise    = flag.Float64("noise", 0.01, "range noise sigma in metres")

	world  = flag.Float64("world", 15, "radius of the circular room in metres")
	radius = flag.Float64("radius", 5, "radius of the sensor's path in metres")
	speed  = flag.Float64("speed", 1, "sensor speed along the path in m/s")

	sensorFrame = flag.String("frame", "laser", "sensor frame id")
	baseFrame   = flag.String("base-frame", "base_link", "vehicle frame id")
	fixedFrame  = flag.String("fixed-frame", "map", "fixed frame id")
	withPoses   = flag.Bool("poses", true, "emit pose datagrams alongside scans")
)

// vehiclePose returns the simulated vehicle position and heading after
// elapsed seconds on the circular path.
func vehiclePose(elapsed float64) (px, py, yaw float64) {
	theta := *speed * elapsed / *radius
	px = *radius * math.Cos(theta)
	py = *radius * math.Sin(theta)
	yaw = theta + math.Pi/2
	return
}

// wallRange returns the distance from (px, py) along the global bearing
// to the room wall.
func wallRange(px, py, bearing float64) float64 {
	w := *world
	ux, uy := math.Cos(bearing), math.Sin(bearing)
	b := px*ux + py*uy
	disc := b*b - (px*px + py*py - w*w)
	if disc <= 0 {
		return math.Inf(1)
	}
	return -b + math.Sqrt(disc)
}

// makeScan builds the sweep covering [start, end] from the vehicle pose
// at the start of the sweep.
func makeScan(start, end time.Time, elapsed float64, rng *rand.Rand) *scan.LaserScan {
	fov := *fovDeg * math.Pi / 180
	angleMin := -fov / 2
	angleInc := fov / float64(*samples-1)
	timeInc := end.Sub(start) / time.Duration(*samples-1)
	sigma := *noise
	rmax := *rangeMax

	px, py, yaw := vehiclePose(elapsed)

	s := &scan.LaserScan{
		Frame:          *sensorFrame,
		Stamp:          start,
		TimeIncrement:  timeInc,
		AngleMin:       angleMin,
		AngleIncrement: angleInc,
		RangeMin:       *rangeMin,
		RangeMax:       *rangeMax,
		Ranges:         make([]float32, *samples),
		Intensities:    make([]float32, *samples),
	}
	for i := 0; i < *samples; i++ {
		bearing := yaw + angleMin + float64(i)*angleInc
		r := wallRange(px, py, bearing) + rng.NormFloat64()*sigma
		if r >= rmax {
			// No return: the wall is out of reach from here.
			s.Ranges[i] = float32(math.Inf(1))
			continue
		}
		s.Ranges[i] = float32(r)
		// Fade intensity with distance, like a real reflector would.
		s.Intensities[i] = float32(100 * (1 - r/rmax))
	}
	return s
}

func send(conn net.Conn, datagram []byte, what string) {
	if _, err := conn.Write(datagram); err != nil {
		log.Printf("send %s: %v", what, err)
	}
}

func sendPose(conn net.Conn, at time.Time, elapsed float64) {
	px, py, yaw := vehiclePose(elapsed)
	p := &tf.PoseSample{
		Parent:    *fixedFrame,
		Child:     *baseFrame,
		At:        at,
		Transform: geom.Compose(geom.Translate(px, py, 0), geom.RotateZ(yaw)),
	}
	data, err := tf.EncodePose(p)
	if err != nil {
		log.Fatalf("encode pose: %v", err)
	}
	send(conn, data, "pose")
}

func sendMount(conn net.Conn) {
	p := &tf.PoseSample{
		Parent:    *baseFrame,
		Child:     *sensorFrame,
		Static:    true,
		Transform: geom.Translate(0.2, 0, 0.3),
	}
	data, err := tf.EncodePose(p)
	if err != nil {
		log.Fatalf("encode mount pose: %v", err)
	}
	send(conn, data, "mount pose")
}

func main() {
	flag.Parse()

	if *samples < 2 || *samples > scan.MaxSamples {
		log.Fatalf("samples must be between 2 and %d", scan.MaxSamples)
	}
	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}
	if *radius >= *world {
		log.Fatal("path radius must be smaller than the room radius")
	}

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	period := time.Duration(float64(time.Second) / *rate)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()

	log.Printf("sending %d-sample scans to %s at %.1f/s (room r=%.1fm, path r=%.1fm)",
		*samples, *addr, *rate, *world, *radius)

	// Seed the pose stream so the first scan's interval is covered, and
	// re-send the static mount link in case the first datagram is lost.
	if *withPoses {
		sendMount(conn)
		sendPose(conn, start, 0)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	sent := 0
	prev := start
	lastMount := start
	for *count == 0 || sent < *count {
		select {
		case <-ctx.Done():
			log.Printf("interrupted after %d scans", sent)
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			if *withPoses {
				sendPose(conn, now, elapsed)
				if now.Sub(lastMount) >= time.Second {
					sendMount(conn)
					lastMount = now
				}
			}

			s := makeScan(prev, now, prev.Sub(start).Seconds(), rng)
			data, err := scan.Encode(s)
			if err != nil {
				log.Fatalf("encode scan: %v", err)
			}
			send(conn, data, "scan")
			prev = now

			sent++
			if sent%100 == 0 {
				log.Printf("%d scans sent", sent)
			}
		}
	}
	log.Printf("done: %d scans sent", sent)
}
