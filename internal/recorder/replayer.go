package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/fsutil"
	"github.com/calyx-robotics/scancloud/internal/stream"
	"github.com/calyx-robotics/scancloud/internal/timeutil"
)

// Replayer reads clouds back from a log directory.
type Replayer struct {
	fs       fsutil.FileSystem
	basePath string
	clock    timeutil.Clock
	header   LogHeader
	index    []IndexEntry

	currentCloud uint64
	rate         float64

	currentChunk int
	chunkData    []byte

	mu sync.Mutex
}

// NewReplayer opens a log for replay. A nil fs means the OS filesystem; a
// nil clock means the real one.
func NewReplayer(fs fsutil.FileSystem, basePath string, clock timeutil.Clock) (*Replayer, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	r := &Replayer{
		fs:           fs,
		basePath:     basePath,
		clock:        clock,
		currentChunk: -1,
		rate:         1.0,
	}

	headerData, err := fs.ReadFile(filepath.Join(basePath, "header.json"))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(headerData, &r.header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	idxFile, err := fs.Open(filepath.Join(basePath, "index.bin"))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer idxFile.Close()

	br := bufio.NewReader(idxFile)
	r.index = make([]IndexEntry, 0, r.header.TotalClouds)
	for {
		var entry IndexEntry
		if err := binary.Read(br, binary.LittleEndian, &entry.Seq); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read index: %w", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &entry.TimestampNs); err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &entry.ChunkID); err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &entry.Offset); err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		r.index = append(r.index, entry)
	}

	return r, nil
}

// Header returns the log header.
func (r *Replayer) Header() LogHeader {
	return r.header
}

// TotalClouds returns the number of clouds in the log.
func (r *Replayer) TotalClouds() uint64 {
	return uint64(len(r.index))
}

// CurrentCloud returns the index of the next cloud ReadCloud will return.
func (r *Replayer) CurrentCloud() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentCloud
}

// Seek positions playback at the given cloud index.
func (r *Replayer) Seek(idx uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx >= uint64(len(r.index)) {
		return fmt.Errorf("cloud index out of range: %d >= %d", idx, len(r.index))
	}
	r.currentCloud = idx
	return nil
}

// SeekToTimestamp positions playback at the first cloud stamped at or after
// the given time, or at the last cloud when the time is past the log end.
func (r *Replayer) SeekToTimestamp(timestampNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.index) == 0 {
		return fmt.Errorf("log is empty")
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].TimestampNs >= timestampNs
	})
	if i == len(r.index) {
		i = len(r.index) - 1
	}
	r.currentCloud = uint64(i)
	return nil
}

// SetRate sets the playback rate used by Play. Rates at or below zero are
// treated as 1.
func (r *Replayer) SetRate(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rate <= 0 {
		rate = 1.0
	}
	r.rate = rate
}

// ReadCloud returns the current cloud and advances. The caller owns the
// returned cloud and should Release it. io.EOF signals the end of the log.
func (r *Replayer) ReadCloud() (*cloud.PointCloud, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readCloudLocked()
}

func (r *Replayer) readCloudLocked() (*cloud.PointCloud, error) {
	if r.currentCloud >= uint64(len(r.index)) {
		return nil, io.EOF
	}

	entry := r.index[r.currentCloud]
	if int(entry.ChunkID) != r.currentChunk {
		if err := r.loadChunk(int(entry.ChunkID)); err != nil {
			return nil, err
		}
	}

	offset := entry.Offset
	if offset+4 > uint32(len(r.chunkData)) {
		return nil, fmt.Errorf("cloud %d: offset beyond chunk", entry.Seq)
	}
	frameLen := binary.LittleEndian.Uint32(r.chunkData[offset:])
	offset += 4
	if offset+frameLen > uint32(len(r.chunkData)) {
		return nil, fmt.Errorf("cloud %d: length beyond chunk", entry.Seq)
	}

	var frame stream.CloudFrame
	if err := frame.UnmarshalWire(r.chunkData[offset : offset+frameLen]); err != nil {
		return nil, fmt.Errorf("cloud %d: %w", entry.Seq, err)
	}

	r.currentCloud++
	return frame.ToCloud(), nil
}

// loadChunk reads a chunk file into memory.
func (r *Replayer) loadChunk(chunkIdx int) error {
	chunkPath := filepath.Join(r.basePath, "clouds", fmt.Sprintf("chunk_%04d.pb", chunkIdx))
	data, err := r.fs.ReadFile(chunkPath)
	if err != nil {
		return fmt.Errorf("read chunk: %w", err)
	}
	r.chunkData = data
	r.currentChunk = chunkIdx
	return nil
}

// Play feeds the remaining clouds to the publisher, pacing them by their
// recorded timestamps scaled by the playback rate. It returns nil at the
// end of the log.
func (r *Replayer) Play(ctx context.Context, pub cloud.Publisher) error {
	var prevNs int64
	played := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		var stampNs int64
		if r.currentCloud < uint64(len(r.index)) {
			stampNs = r.index[r.currentCloud].TimestampNs
		}
		c, err := r.readCloudLocked()
		rate := r.rate
		r.mu.Unlock()

		if err == io.EOF {
			diag.Opsf("replay: finished %s: %d clouds", r.basePath, played)
			return nil
		}
		if err != nil {
			return err
		}

		if prevNs != 0 && stampNs > prevNs {
			wait := time.Duration(float64(stampNs-prevNs) / rate)
			r.clock.Sleep(wait)
		}
		prevNs = stampNs

		pub.PublishCloud(c)
		c.Release()
		played++
	}
}
