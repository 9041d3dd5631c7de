package trace

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

func TestSessionWritesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := Start(path); err != nil {
		t.Fatal(err)
	}
	if !Enabled() {
		t.Fatal("session should be enabled")
	}
	Begin("compute", "gate proj", 3)
	End("compute", 3)
	Begin("schedule", "own", 0)
	End("schedule", 0)
	if err := Stop(); err != nil {
		t.Fatal(err)
	}
	if Enabled() {
		t.Fatal("session should be disabled after Stop")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// First record is the header, then the four events.
	var records []map[string]any
	for off := 0; off < len(data); {
		if off+4 > len(data) {
			t.Fatalf("truncated length prefix at %d", off)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		var rec map[string]any
		if err := json.Unmarshal(data[off:off+n], &rec); err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
		off += n
	}
	if len(records) != 5 {
		t.Fatalf("record count %d, want 5", len(records))
	}
	if s, ok := records[0]["session"].(string); !ok || s == "" {
		t.Fatal("missing session header")
	}
	if records[1]["cat"] != "compute" || records[1]["ph"] != "B" {
		t.Fatalf("unexpected first event %v", records[1])
	}
}

func TestDisabledProbesAreNoOps(t *testing.T) {
	Begin("compute", "ignored", 0)
	End("compute", 0)
	if err := Stop(); err == nil {
		t.Fatal("Stop without a session must fail")
	}
}
