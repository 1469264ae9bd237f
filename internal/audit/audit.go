// Package audit writes a CSV record for every TCP flow that leaves the
// connection table, the way the teacher's Writer supports a CSV recording
// mode (writer.go, w.csv/csvWriter) alongside its protobuf mode — this
// repo only needs the CSV half, since there are no protoc-generated
// bindings to drive a protobuf writer (see DESIGN.md).
package audit

import (
	"os"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/xid"
)

// Record is one closed TCP flow.
type Record struct {
	ID          string `csv:"id"`
	ClosedAt    string `csv:"closed_at"`
	SrcIP       string `csv:"src_ip"`
	SrcPort     uint16 `csv:"src_port"`
	DstIP       string `csv:"dst_ip"`
	DstPort     uint16 `csv:"dst_port"`
	FinalState  string `csv:"final_state"`
	BytesIn     uint64 `csv:"bytes_in"`
	BytesOut    uint64 `csv:"bytes_out"`
	Retransmits int    `csv:"retransmits"`
	DurationMS  int64  `csv:"duration_ms"`
}

// NewRecordID returns a globally-sortable correlation id for a flow,
// usable both in audit records and in log lines referring to the same flow.
func NewRecordID() string {
	return xid.New().String()
}

// Writer appends Records to a CSV file, writing the header once on first
// use, guarded by a mutex (the connection table may close many flows
// concurrently with respect to each other, though each flow's own
// teardown is single-threaded per §5).
type Writer struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	wroteHeader bool
}

// Open prepares a Writer for path. An empty path disables auditing; Append
// then becomes a no-op.
func Open(path string) (*Writer, error) {
	if path == "" {
		return &Writer{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{path: path, file: f, wroteHeader: info.Size() > 0}, nil
}

// Append writes one record, with its header on first use of a fresh file.
func (w *Writer) Append(r Record) error {
	if w == nil || w.path == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		b   string
		err error
	)
	if !w.wroteHeader {
		b, err = gocsv.MarshalString([]Record{r})
		w.wroteHeader = true
	} else {
		b, err = gocsv.MarshalStringWithoutHeaders([]Record{r})
	}
	if err != nil {
		return err
	}
	_, err = w.file.WriteString(b)
	return err
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil || w.file == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Now exists purely so callers don't need a direct time import for the
// common case of stamping ClosedAt.
func Now() string { return time.Now().UTC().Format(time.RFC3339) }
