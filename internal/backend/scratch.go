package backend

import (
	"sync"
	"unsafe"
)

const arenaAlign = 64

// BufferRequest names a destination slice and the byte size it needs. Alloc
// binds every destination to a sub-region of one arena.
type BufferRequest struct {
	Dst  *[]byte
	Size int
}

// SharedBuffer grants each client its scratch regions out of one contiguous
// aligned arena. A second Alloc from the same client replaces its arena;
// Dealloc releases it. One SharedBuffer serves the whole process.
type SharedBuffer struct {
	mu     sync.Mutex
	arenas map[any][]byte
}

// NewSharedBuffer returns an empty allocator.
func NewSharedBuffer() *SharedBuffer {
	return &SharedBuffer{arenas: make(map[any][]byte)}
}

// SharedScratch is the process-wide allocator instance.
var SharedScratch = NewSharedBuffer()

// Alloc sizes one arena covering every request, aligned to arenaAlign, and
// writes each sub-region into its request's destination slice.
func (s *SharedBuffer) Alloc(client any, reqs []BufferRequest) {
	total := 0
	for _, r := range reqs {
		total += alignUp(r.Size, arenaAlign)
	}
	raw := make([]byte, total+arenaAlign)
	base := alignOffset(raw)
	arena := raw[base : base+total]

	off := 0
	for _, r := range reqs {
		*r.Dst = arena[off : off+r.Size : off+r.Size]
		off += alignUp(r.Size, arenaAlign)
	}

	s.mu.Lock()
	s.arenas[client] = arena
	s.mu.Unlock()
}

// Dealloc releases the client's arena. Regions handed out by Alloc must not
// be used afterwards.
func (s *SharedBuffer) Dealloc(client any) {
	s.mu.Lock()
	delete(s.arenas, client)
	s.mu.Unlock()
}

func alignUp(n, a int) int { return (n + a - 1) / a * a }

func alignOffset(raw []byte) int {
	return int(-uintptr(unsafe.Pointer(&raw[0])) & (arenaAlign - 1))
}
