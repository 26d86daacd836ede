//go:build linux || darwin

package arena

import (
	"fmt"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmHeaderFloats is the number of float32-sized words reserved at the start
// of a shared-memory region for the IPC backend's version/epoch header
// (spec.md §9 open question: a stale consumer must be able to detect a
// program swap without an explicit handshake beyond the region name). Word 0
// holds the epoch so the whole region stays a single, uniformly-typed
// []float32 view.
const shmHeaderFloats = 4

// ShmRegion is an Arena backed by a named POSIX shared-memory file under
// /dev/shm, for exchanging blocks with a cooperating external consumer (the
// IPC backend).
type ShmRegion struct {
	*Arena
	file *os.File
	data []byte
}

// OpenShmRegion creates (or truncates) /dev/shm/<name> and mmaps it large
// enough for layout plus the epoch header.
func OpenShmRegion(name string, layout *Layout, generation uint64) (*ShmRegion, error) {
	path := "/dev/shm/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("arena: opening shm region %s: %w", path, err)
	}

	size := (shmHeaderFloats + layout.total) * 4
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: sizing shm region %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap shm region %s: %w", path, err)
	}

	floats := unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), size/4)

	r := &ShmRegion{
		Arena: &Arena{
			layout:     layout,
			backing:    floats[shmHeaderFloats:],
			eventSlots: allocateEventSlots(layout),
			generation: generation,
		},
		file: f,
		data: data,
	}
	r.setEpoch(generation)
	return r, nil
}

// setEpoch writes the low 32 bits of generation into the region header's
// epoch word.
func (r *ShmRegion) setEpoch(generation uint64) {
	hdr := unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), shmHeaderFloats)
	hdr[0] = math.Float32frombits(uint32(generation))
}

// Touch republishes generation into the region header. The IPC backend calls
// this once per rendered block with its block sequence number, so a polling
// consumer can detect a new block without any signal beyond the region
// itself; the program generation is not published in the header.
func (r *ShmRegion) Touch(generation uint64) {
	r.setEpoch(generation)
}

// Epoch reads back the generation currently published in the region header.
func (r *ShmRegion) Epoch() uint64 {
	hdr := unsafe.Slice((*float32)(unsafe.Pointer(&r.data[0])), shmHeaderFloats)
	return uint64(math.Float32bits(hdr[0]))
}

// Close unmaps and closes the backing file. The region itself is left in
// /dev/shm for the external consumer to finish draining; callers that own
// the region's lifecycle are responsible for unlinking it via RemoveShmRegion.
func (r *ShmRegion) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("arena: munmap: %w", err)
	}
	return r.file.Close()
}

// RemoveShmRegion unlinks a named region from /dev/shm.
func RemoveShmRegion(name string) error {
	return os.Remove("/dev/shm/" + name)
}
