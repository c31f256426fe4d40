package memmod

import (
	"sort"
	"sync"
)

// Reservation is one address range owned by a loaded image.
type Reservation struct {
	Start uintptr
	Size  uint64
}

var reservations = struct {
	sync.Mutex
	live map[uintptr]uint64
}{live: make(map[uintptr]uint64)}

func trackReservation(start uintptr, size uint64) {
	reservations.Lock()
	reservations.live[start] = size
	reservations.Unlock()
}

func untrackReservation(start uintptr) {
	reservations.Lock()
	delete(reservations.live, start)
	reservations.Unlock()
}

// LiveReservations returns the ranges currently held by images that have
// not been freed, ordered by address.
func LiveReservations() []Reservation {
	reservations.Lock()
	defer reservations.Unlock()

	out := make([]Reservation, 0, len(reservations.live))
	for start, size := range reservations.live {
		out = append(out, Reservation{Start: start, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// ReservedBytes is the total size of all live reservations.
func ReservedBytes() uint64 {
	reservations.Lock()
	defer reservations.Unlock()

	var total uint64
	for _, size := range reservations.live {
		total += size
	}
	return total
}
