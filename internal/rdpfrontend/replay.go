package rdpfrontend

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
	"time"
)

// replayWriter appends length-prefixed, directional, timestamped frames to
// a `.replay` file (spec.md §4.7): one writer per Stay, matching the
// single-writer recording-file rule of spec.md §5.
type replayWriter struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	start time.Time
	total int64
}

func newReplayWriter(path string) (*replayWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return &replayWriter{f: f, w: bufio.NewWriter(f), start: time.Now()}, nil
}

// Write appends one frame: a 1-byte direction flag, an 8-byte
// milliseconds-since-start timestamp, a 4-byte length, then the payload.
func (r *replayWriter) Write(clientToBackend bool, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := byte(0)
	if clientToBackend {
		dir = 1
	}
	var hdr [13]byte
	hdr[0] = dir
	binary.BigEndian.PutUint64(hdr[1:9], uint64(time.Since(r.start).Milliseconds()))
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(data)))

	n1, _ := r.w.Write(hdr[:])
	n2, _ := r.w.Write(data)
	r.total += int64(n1 + n2)
}

func (r *replayWriter) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *replayWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
