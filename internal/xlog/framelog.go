package xlog

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	gzip "github.com/klauspost/pgzip"
)

// DefaultCompressionBlockSize matches the teacher's writer.go tuning: a
// block size of 100k with twice GOMAXPROCS workers is the point past which
// parallel gzip starts paying for itself.
const DefaultCompressionBlockSize = 100 << 10

// FrameLog appends raw HDLC frames (post-decode or pre-encode) to a
// gzip-compressed file for offline replay/debugging. Disabled by leaving
// the path empty.
type FrameLog struct {
	mu      sync.Mutex
	file    *os.File
	bw      *bufio.Writer
	gw      *gzip.Writer
	enabled bool
}

// OpenFrameLog opens (creating if needed) a frame-capture log at path. An
// empty path disables capture; Write becomes a no-op.
func OpenFrameLog(path string) (*FrameLog, error) {
	if path == "" {
		return &FrameLog{enabled: false}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("xlog: open frame log: %w", err)
	}

	bw := bufio.NewWriterSize(f, 256<<10)
	gw := gzip.NewWriter(bw)
	if err := gw.SetConcurrency(DefaultCompressionBlockSize, runtime.GOMAXPROCS(0)*2); err != nil {
		f.Close()
		return nil, fmt.Errorf("xlog: configure frame log compression: %w", err)
	}

	return &FrameLog{file: f, bw: bw, gw: gw, enabled: true}, nil
}

// Write appends one frame, prefixed with a direction tag and a timestamp,
// to the capture log. Safe for concurrent use.
func (fl *FrameLog) Write(direction string, payload []byte) {
	if fl == nil || !fl.enabled {
		return
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fmt.Fprintf(fl.gw, "%s %s %d ", time.Now().UTC().Format(time.RFC3339Nano), direction, len(payload))
	fl.gw.Write(payload)
	fl.gw.Write([]byte{'\n'})
}

// Close flushes and closes the capture log.
func (fl *FrameLog) Close() error {
	if fl == nil || !fl.enabled {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := fl.gw.Close(); err != nil {
		return err
	}
	if err := fl.bw.Flush(); err != nil {
		return err
	}
	return fl.file.Close()
}
