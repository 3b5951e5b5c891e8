// Package recorder provides recording and replay of assembled cloud logs.
//
// A cloud log is a directory: header.json with log metadata, clouds/ with
// length-prefixed protowire frames batched into chunk files, and index.bin
// with one fixed-width entry per cloud for seeking.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/fsutil"
	"github.com/calyx-robotics/scancloud/internal/stream"
)

// FileExtension is the extension for cloud log directories.
const FileExtension = ".cloudlog"

// CloudsPerChunk is the number of clouds per chunk file.
const CloudsPerChunk = 256

const formatVersion = "1.0"

// LogHeader contains metadata about a recorded log.
type LogHeader struct {
	Version     string `json:"version"`
	CreatedNs   int64  `json:"created_ns"`
	Frame       string `json:"frame"`
	Layout      string `json:"layout"`
	TotalClouds uint64 `json:"total_clouds"`
	TotalPoints uint64 `json:"total_points"`
	StartNs     int64  `json:"start_ns"`
	EndNs       int64  `json:"end_ns"`
}

// IndexEntry is one entry in the seek index.
type IndexEntry struct {
	Seq         uint64
	TimestampNs int64
	ChunkID     uint32
	Offset      uint32
}

// Recorder writes clouds to a log directory. It implements cloud.Publisher,
// so it can hang off the accumulator like any other consumer; write errors
// are logged and counted rather than propagated into the assembly path.
type Recorder struct {
	fs       fsutil.FileSystem
	basePath string

	header       LogHeader
	index        []IndexEntry
	currentChunk int
	chunkFile    io.WriteCloser
	chunkOffset  uint32

	cloudCount uint64
	pointCount uint64
	startNs    int64
	endNs      int64

	droppedWrites atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a Recorder writing to the given directory. A nil fs
// means the OS filesystem; an empty path means a timestamped directory
// under the system temp dir.
func NewRecorder(fs fsutil.FileSystem, basePath string) (*Recorder, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if basePath == "" {
		basePath = filepath.Join(os.TempDir(),
			fmt.Sprintf("clouds_%d%s", time.Now().Unix(), FileExtension))
	}

	if err := fs.MkdirAll(filepath.Join(basePath, "clouds"), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	r := &Recorder{
		fs:           fs,
		basePath:     basePath,
		currentChunk: -1,
		index:        make([]IndexEntry, 0),
		header: LogHeader{
			Version:   formatVersion,
			CreatedNs: time.Now().UnixNano(),
		},
	}
	return r, nil
}

// Record appends one cloud to the log.
func (r *Recorder) Record(c *cloud.PointCloud) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder is closed")
	}

	stampNs := c.Stamp.UnixNano()
	if r.cloudCount == 0 {
		r.header.Frame = c.Frame
		r.header.Layout = c.Layout.String()
		r.startNs = stampNs
	}
	r.endNs = stampNs

	chunkIdx := int(r.cloudCount / CloudsPerChunk)
	if chunkIdx != r.currentChunk {
		if err := r.rotateChunk(chunkIdx); err != nil {
			return err
		}
	}

	data, err := stream.FrameFromCloud(c).MarshalWire()
	if err != nil {
		return fmt.Errorf("encode cloud: %w", err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := r.chunkFile.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write cloud length: %w", err)
	}
	if _, err := r.chunkFile.Write(data); err != nil {
		return fmt.Errorf("write cloud data: %w", err)
	}

	r.index = append(r.index, IndexEntry{
		Seq:         r.cloudCount,
		TimestampNs: stampNs,
		ChunkID:     uint32(chunkIdx),
		Offset:      r.chunkOffset,
	})

	r.chunkOffset += uint32(4 + len(data))
	r.cloudCount++
	r.pointCount += uint64(c.Len())

	return nil
}

// PublishCloud records the cloud, counting failures instead of returning
// them.
func (r *Recorder) PublishCloud(c *cloud.PointCloud) {
	if err := r.Record(c); err != nil {
		r.droppedWrites.Add(1)
		diag.Diagf("recorder: dropping cloud %s: %v", c.ID, err)
	}
}

// rotateChunk closes the current chunk and opens the next one.
func (r *Recorder) rotateChunk(chunkIdx int) error {
	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
	}

	chunkPath := filepath.Join(r.basePath, "clouds", fmt.Sprintf("chunk_%04d.pb", chunkIdx))
	f, err := r.fs.Create(chunkPath)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}

	r.chunkFile = f
	r.currentChunk = chunkIdx
	r.chunkOffset = 0

	return nil
}

// Close finalises the log, writing the header and index. Safe to call
// twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return fmt.Errorf("close chunk file: %w", err)
		}
	}

	r.header.TotalClouds = r.cloudCount
	r.header.TotalPoints = r.pointCount
	r.header.StartNs = r.startNs
	r.header.EndNs = r.endNs

	headerData, err := json.MarshalIndent(r.header, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	hf, err := r.fs.Create(filepath.Join(r.basePath, "header.json"))
	if err != nil {
		return fmt.Errorf("create header: %w", err)
	}
	if _, err := hf.Write(headerData); err != nil {
		hf.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := hf.Close(); err != nil {
		return fmt.Errorf("close header: %w", err)
	}

	idxFile, err := r.fs.Create(filepath.Join(r.basePath, "index.bin"))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	for _, entry := range r.index {
		if err := binary.Write(idxFile, binary.LittleEndian, entry.Seq); err != nil {
			idxFile.Close()
			return err
		}
		if err := binary.Write(idxFile, binary.LittleEndian, entry.TimestampNs); err != nil {
			idxFile.Close()
			return err
		}
		if err := binary.Write(idxFile, binary.LittleEndian, entry.ChunkID); err != nil {
			idxFile.Close()
			return err
		}
		if err := binary.Write(idxFile, binary.LittleEndian, entry.Offset); err != nil {
			idxFile.Close()
			return err
		}
	}
	if err := idxFile.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}

	diag.Opsf("recorder: closed log %s: %d clouds, %d points", r.basePath, r.cloudCount, r.pointCount)
	return nil
}

// Path returns the base path of the log.
func (r *Recorder) Path() string {
	return r.basePath
}

// CloudCount returns the number of clouds recorded so far.
func (r *Recorder) CloudCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cloudCount
}

// DroppedWrites returns the number of clouds lost to write errors.
func (r *Recorder) DroppedWrites() uint64 {
	return r.droppedWrites.Load()
}
