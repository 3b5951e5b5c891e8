package stream

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/diag"
)

// Assembled clouds are large; a 100k-point XYZI frame is ~1.6MB and bursts
// well past the 4MB gRPC default when clouds batch many scans.
const maxMsgSize = 16 * 1024 * 1024

// Config holds configuration for the cloud stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g. "localhost:50051").
	ListenAddr string

	// MaxClients caps concurrent subscribers; further Subscribe calls are
	// rejected with ResourceExhausted.
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50051",
		MaxClients: 5,
	}
}

// Publisher runs the gRPC server and broadcasts encoded cloud frames to
// subscribers. It implements cloud.Publisher; PublishCloud copies the cloud
// into a CloudFrame, so the accumulator is free to recycle it immediately.
type Publisher struct {
	cfg      Config
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	frameChan chan *CloudFrame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream is one connected subscriber.
type clientStream struct {
	id      string
	request *SubscribeRequest
	frameCh chan *CloudFrame
	doneCh  chan struct{}
}

// NewPublisher creates a Publisher with the given configuration. Call Start
// to begin serving.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	return &Publisher{
		cfg:       cfg,
		frameChan: make(chan *CloudFrame, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start binds the listener and launches the gRPC server and broadcast loop.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("stream publisher already running")
	}

	lis, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("stream listen on %s: %w", p.cfg.ListenAddr, err)
	}
	p.listener = lis

	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	p.server.RegisterService(&serviceDesc, NewServer(p))

	p.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(p.server, p.health)
	p.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	p.running.Store(true)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		diag.Opsf("stream: serving %s on %s", ServiceName, lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			diag.Diagf("stream: server error: %v", err)
		}
	}()

	return nil
}

// Stop drains subscribers and shuts the server down. Safe to call twice.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	if p.health != nil {
		p.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	close(p.stopCh)

	// Subscribe loops watch stopCh and return, which lets GracefulStop
	// complete instead of waiting on open streams.
	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	diag.Opsf("stream: server stopped")
}

// Addr returns the bound listener address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// PublishCloud encodes the cloud and queues it for broadcast. When the
// queue is full the frame is dropped rather than stalling the assembler.
func (p *Publisher) PublishCloud(c *cloud.PointCloud) {
	if !p.running.Load() || c == nil {
		return
	}

	frame := FrameFromCloud(c)

	queueDepth := len(p.frameChan)
	if queueDepth > 50 {
		diag.Diagf("stream: frame queue depth high: %d/100", queueDepth)
	}

	select {
	case p.frameChan <- frame:
		count := p.frameCount.Add(1)
		p.logPeriodicStats(count, frame.Len(), queueDepth)
	default:
		dropped := p.droppedFrames.Add(1)
		diag.Diagf("stream: dropped cloud %s (total dropped: %d), queue full, points=%d",
			frame.CloudID, dropped, frame.Len())
	}
}

// logPeriodicStats logs throughput every 5 seconds.
func (p *Publisher) logPeriodicStats(frameCount uint64, pointCount, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= 5*time.Second {
		framesInInterval := frameCount - p.lastFrameCount
		fps := float64(framesInInterval) / elapsed.Seconds()
		diag.Opsf("stream: stats: fps=%.1f frames=%d dropped=%d clients=%d queue=%d/100 last_cloud_points=%d",
			fps, framesInInterval, p.droppedFrames.Load(), p.clientCount.Load(), queueDepth, pointCount)
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
	}
}

// broadcastLoop fans frames out to every subscriber. A slow subscriber
// loses frames without affecting the others.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a subscriber. Returns nil when the client limit is
// reached.
func (p *Publisher) addClient(id string, req *SubscribeRequest) *clientStream {
	client := &clientStream{
		id:      id,
		request: req,
		frameCh: make(chan *CloudFrame, 10),
		doneCh:  make(chan struct{}),
	}

	p.clientsMu.Lock()
	if len(p.clients) >= p.cfg.MaxClients {
		p.clientsMu.Unlock()
		diag.Diagf("stream: rejecting %s, client limit %d reached", id, p.cfg.MaxClients)
		return nil
	}
	p.clients[id] = client
	p.clientsMu.Unlock()

	p.clientCount.Add(1)
	diag.Opsf("stream: client connected: %s (total: %d)", id, p.clientCount.Load())

	return client
}

// removeClient unregisters a subscriber. Unknown ids are ignored.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	client, ok := p.clients[id]
	if ok {
		close(client.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	if ok {
		p.clientCount.Add(-1)
		diag.Opsf("stream: client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// Stats returns a snapshot of publisher counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Running:       p.running.Load(),
		ListenAddr:    p.cfg.ListenAddr,
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
	}
}

// PublisherStats is a point-in-time view of the stream server.
type PublisherStats struct {
	Running       bool   `json:"running"`
	ListenAddr    string `json:"listen_addr"`
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
}

// GRPCServer returns the underlying gRPC server, or nil before Start. It
// exists so callers can register additional services alongside the stream.
func (p *Publisher) GRPCServer() *grpc.Server {
	return p.server
}
