// Command assembler runs the scan assembly service: it listens for laser
// scan and pose datagrams, integrates every scan into the target frame
// and publishes the assembled clouds over gRPC, to a cloud log, and into
// a SQLite summary store, with an HTTP monitoring surface on the side.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/calyx-robotics/scancloud/internal/assembler"
	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/config"
	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/fsutil"
	"github.com/calyx-robotics/scancloud/internal/geom"
	"github.com/calyx-robotics/scancloud/internal/monitor"
	"github.com/calyx-robotics/scancloud/internal/network"
	"github.com/calyx-robotics/scancloud/internal/recorder"
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/store"
	"github.com/calyx-robotics/scancloud/internal/stream"
	"github.com/calyx-robotics/scancloud/internal/tf"
	"github.com/calyx-robotics/scancloud/internal/version"
)

var (
	listen      = flag.String("listen", ":8766", "HTTP listen address for the monitor")
	udpAddr     = flag.String("udp-addr", ":8765", "UDP bind address for scan and pose datagrams")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes (default 4MB)")
	logInterval = flag.Int("log-interval", 60, "source statistics logging interval in seconds")

	serialPort = flag.String("serial", "", "serial port to read framed datagrams from (optional)")
	serialBaud = flag.Int("serial-baud", 115200, "serial port baud rate")

	pcapFile = flag.String("pcap", "", "replay datagrams from a pcap capture instead of the UDP socket (needs a -tags=pcap build)")
	pcapRate = flag.Float64("pcap-rate", 1.0, "pcap replay rate multiplier (0 replays as fast as possible)")

	forwardTo = flag.String("forward", "", "host:port to mirror raw datagrams to (optional)")

	configPath = flag.String("config", "", "path to assembly configuration JSON (optional)")

	grpcAddr   = flag.String("grpc", "", "gRPC cloud stream listen address (optional, e.g. localhost:50051)")
	maxClients = flag.Int("grpc-max-clients", 8, "maximum concurrent stream subscribers")

	dbFile     = flag.String("db", "", "path to the cloud summary SQLite database (optional)")
	recordPath = flag.String("record", "", "base path for the cloud log recorder (optional)")
	exportDir  = flag.String("export-dir", "", "directory for on-demand cloud exports (optional)")

	verbose   = flag.Bool("v", false, "enable diagnostic logging")
	traceLogs = flag.Bool("trace", false, "enable per-scan trace logging (implies -v)")
)

// udpPortOf extracts the numeric port from a bind address like ":8765".
func udpPortOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// recoveryTransform builds the seed recovery-to-target transform from the
// configured translation and quaternion.
func recoveryTransform(params *config.AssemblyConfig) *geom.Transform {
	q := params.GetRecoveryQuaternion()
	t := params.GetRecoveryTranslation()
	tr := geom.FromQuat(q[0], q[1], q[2], q[3], t[0], t[1], t[2])
	return &tr
}

func main() {
	flag.Parse()

	writers := diag.LogWriters{Ops: os.Stderr}
	if *verbose || *traceLogs {
		writers.Diag = os.Stderr
	}
	if *traceLogs {
		writers.Trace = os.Stderr
	}
	diag.SetLogWriters(writers)

	diag.Opsf("scancloud assembler %s", version.String())

	params := config.EmptyAssemblyConfig()
	if *configPath != "" {
		loaded, err := config.LoadAssemblyConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		params = loaded
		diag.Opsf("assembler: configuration loaded from %s", *configPath)
	}

	layout, err := cloud.ParseLayout(params.GetCloudLayout())
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Pose buffer, accumulator and integrator form the core pipeline.
	poses := tf.NewBuffer(tf.BufferConfig{}, nil)
	accumulator := cloud.NewAccumulator(cloud.AccumulatorConfig{
		Frame:         params.GetTargetFrame(),
		Layout:        layout,
		ScansPerCloud: params.GetScansPerCloud(),
		MaxCloudAge:   params.GetMaxCloudAge(),
	}, nil)

	integrator, err := assembler.NewIntegrator(assembler.Config{
		TargetFrame:       params.GetTargetFrame(),
		MinCutoffPct:      params.GetMinRangeCutoffPct(),
		MaxCutoffPct:      params.GetMaxRangeCutoffPct(),
		Interpolate:       params.GetInterpolate(),
		LookupTimeout:     params.GetTFLookupTimeout(),
		RecoveryFrame:     params.GetRecoveryFrame(),
		RecoveryTransform: recoveryTransform(params),
	}, poses, accumulator)
	if err != nil {
		log.Fatalf("Failed to build integrator: %v", err)
	}
	accumulator.OnCloudCut(integrator.ResetCloudCounters)

	pipeline := assembler.NewPipeline(integrator, params.GetScanQueueSize())

	// Publishers, in the order clouds fan out: monitor cache, gRPC
	// stream, cloud log, summary store.
	cache := monitor.NewCloudCache()
	accumulator.AddPublisher(cache)

	var streamPub *stream.Publisher
	if *grpcAddr != "" {
		streamPub = stream.NewPublisher(stream.Config{ListenAddr: *grpcAddr, MaxClients: *maxClients})
		if err := streamPub.Start(); err != nil {
			log.Fatalf("Failed to start cloud stream: %v", err)
		}
		accumulator.AddPublisher(streamPub)
	}

	var rec *recorder.Recorder
	if *recordPath != "" {
		rec, err = recorder.NewRecorder(fsutil.OSFileSystem{}, *recordPath)
		if err != nil {
			log.Fatalf("Failed to open cloud log: %v", err)
		}
		accumulator.AddPublisher(rec)
	}

	var st *store.Store
	if *dbFile != "" {
		st, err = store.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open cloud store: %v", err)
		}
		defer st.Close()
		accumulator.AddPublisher(st)
	}

	// Source plumbing shared by the UDP, serial and pcap paths.
	stats := network.NewTrafficStats()
	interval := time.Duration(*logInterval) * time.Second

	var fwd *network.Forwarder
	if *forwardTo != "" {
		host, portStr, err := net.SplitHostPort(*forwardTo)
		if err != nil {
			log.Fatalf("Invalid -forward address: %v", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("Invalid -forward port: %v", err)
		}
		fwd, err = network.NewForwarder(host, port, stats, interval)
		if err != nil {
			log.Fatalf("Failed to create forwarder: %v", err)
		}
		defer fwd.Close()
	}

	onScan := func(s *scan.LaserScan) {
		pipeline.Submit(s)
	}
	onPose := func(p *tf.PoseSample) {
		if err := p.Apply(poses); err != nil {
			diag.Diagf("assembler: apply pose %s<-%s: %v", p.Parent, p.Child, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
		diag.Opsf("assembler: integration pipeline stopped")
	}()

	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := network.PCAPReplayConfig{
				Rate:      *pcapRate,
				Stats:     stats,
				OnScan:    onScan,
				OnPose:    onPose,
				Forwarder: fwd,
			}
			if err := network.ReplayPCAP(ctx, *pcapFile, udpPortOf(*udpAddr), cfg); err != nil && !errors.Is(err, context.Canceled) {
				diag.Opsf("assembler: pcap replay: %v", err)
			}
			// The capture is the only source; drain and exit when it ends.
			stop()
		}()
	} else {
		listener := network.NewListener(network.ListenerConfig{
			Address:     *udpAddr,
			RcvBuf:      *rcvBuf,
			LogInterval: interval,
			Stats:       stats,
			OnScan:      onScan,
			OnPose:      onPose,
			Forwarder:   fwd,
		})
		if err := listener.Listen(); err != nil {
			log.Fatalf("Failed to bind UDP socket: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				diag.Opsf("assembler: udp listener: %v", err)
				stop()
			}
		}()
	}

	if *serialPort != "" {
		src, err := network.NewSerialSource(network.SerialConfig{
			Path:        *serialPort,
			Baud:        *serialBaud,
			LogInterval: interval,
			Stats:       stats,
			OnScan:      onScan,
			OnPose:      onPose,
		})
		if err != nil {
			log.Fatalf("Failed to open serial source: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				diag.Opsf("assembler: serial source: %v", err)
			}
		}()
	}

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address:     *listen,
		UDPPort:     udpPortOf(*udpAddr),
		GRPCAddr:    *grpcAddr,
		ExportDir:   *exportDir,
		Source:      stats,
		Integrator:  integrator,
		Pipeline:    pipeline,
		Accumulator: accumulator,
		Stream:      streamPub,
		Recorder:    rec,
		Store:       st,
		Latest:      cache,
		Params:      params,
	})
	if st != nil {
		st.AttachAdminRoutes(ws.Mux())
	}
	if err := ws.Start(ctx); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	wg.Wait()

	// Sources are quiet now; push the partial cloud out before the
	// publishers shut down.
	accumulator.Flush()
	if rec != nil {
		if err := rec.Close(); err != nil {
			diag.Opsf("assembler: close cloud log: %v", err)
		}
	}
	if streamPub != nil {
		streamPub.Stop()
	}
	_ = ws.Close()

	diag.Opsf("assembler: graceful shutdown complete")
}
