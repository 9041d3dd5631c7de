// Package trace writes a binary event stream for offline inspection of the
// compute core. Events carry one of three categories: "compute" for kernel
// phases, "schedule" for worker-pool dispatch, "taskqueue" for the serializer.
// Each record is a 4-byte little-endian length followed by a JSON body.
// When no session is active every probe is a single atomic load.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type event struct {
	Cat  string `json:"cat"`
	Name string `json:"name,omitempty"`
	Ph   string `json:"ph"`
	TS   int64  `json:"ts"`
	TID  int    `json:"tid"`
}

type header struct {
	Session string `json:"session"`
	Start   int64  `json:"start"`
}

var (
	enabled atomic.Bool

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
)

// Start opens a trace session writing to path. A session already in
// progress is an error.
func Start(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return fmt.Errorf("trace: session already active")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	file = f
	buf = bufio.NewWriterSize(f, 1<<20)
	writeRecord(header{Session: uuid.NewString(), Start: time.Now().UnixNano()})
	enabled.Store(true)
	return nil
}

// Stop flushes and closes the active session.
func Stop() error {
	enabled.Store(false)
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return fmt.Errorf("trace: no session active")
	}
	err := buf.Flush()
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	file = nil
	buf = nil
	return err
}

// Enabled reports whether a session is active.
func Enabled() bool { return enabled.Load() }

// Begin opens a span in the given category on worker tid.
func Begin(cat, name string, tid int) {
	if !enabled.Load() {
		return
	}
	emit(event{Cat: cat, Name: name, Ph: "B", TS: time.Now().UnixNano(), TID: tid})
}

// End closes the innermost span in the given category on worker tid.
func End(cat string, tid int) {
	if !enabled.Load() {
		return
	}
	emit(event{Cat: cat, Ph: "E", TS: time.Now().UnixNano(), TID: tid})
}

func emit(ev event) {
	mu.Lock()
	defer mu.Unlock()
	if buf == nil {
		return
	}
	writeRecord(ev)
}

func writeRecord(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(body)))
	_, _ = buf.Write(n[:])
	_, _ = buf.Write(body)
}
