package audio

import (
	"sync"
	"time"
)

// Buffer accumulates one client's normalized mono samples up to a bounded
// duration. Every sample that enters is accounted for: it is either still
// buffered, consumed by a decode pass, or dropped.
//
// Positions are absolute sample offsets since the first sample the buffer
// received, so callers can reason about gaps left by dropped audio.
type Buffer struct {
	sampleRate int
	capacity   int // Maximum buffered samples

	samples []float32
	head    int64 // Absolute offset of samples[0]

	// Arrival marks for buffered audio, oldest first
	arrivals []arrival

	// Accounting
	received  uint64
	consumed  uint64
	trimmed   uint64 // Subset of consumed removed as leading silence
	dropped   uint64
	discarded uint64 // Subset of dropped removed by Reset

	lastUpdate time.Time

	mu sync.RWMutex
}

type arrival struct {
	offset int64
	at     time.Time
}

// Segment is a contiguous run of samples removed from a Buffer
type Segment struct {
	Offset    int64     // Absolute offset of the first sample
	Samples   []float32 // Owned by the caller
	ArrivedAt time.Time // Arrival time of the first sample
}

// End returns the absolute offset just past the segment
func (s Segment) End() int64 {
	return s.Offset + int64(len(s.Samples))
}

// BufferStats represents buffer accounting for monitoring. The invariant
// Received == Consumed + Buffered + Dropped holds for every snapshot.
type BufferStats struct {
	SampleRate      int     `json:"sample_rate"`
	Received        uint64  `json:"received"`
	Consumed        uint64  `json:"consumed"`
	Trimmed         uint64  `json:"trimmed"`
	Dropped         uint64  `json:"dropped"`
	Discarded       uint64  `json:"discarded"`
	Buffered        uint64  `json:"buffered"`
	Head            int64   `json:"head"`
	BufferedSeconds float64 `json:"buffered_seconds"`
}

// NewBuffer creates a buffer holding at most maxDuration of audio
func NewBuffer(sampleRate int, maxDuration time.Duration) *Buffer {
	capacity := int(int64(sampleRate) * int64(maxDuration) / int64(time.Second))
	if capacity < 1 {
		capacity = 1
	}

	return &Buffer{
		sampleRate: sampleRate,
		capacity:   capacity,
		samples:    make([]float32, 0, min(capacity, sampleRate*2)),
		lastUpdate: time.Now(),
	}
}

// Push appends samples that arrived at the given time. When the buffer would
// exceed its capacity the oldest samples are dropped. It returns the absolute
// offset of the first pushed sample and the number of samples dropped.
func (b *Buffer) Push(samples []float32, at time.Time) (int64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := b.head + int64(len(b.samples))
	b.lastUpdate = at
	if len(samples) == 0 {
		return offset, 0
	}

	b.received += uint64(len(samples))
	b.samples = append(b.samples, samples...)
	b.arrivals = append(b.arrivals, arrival{offset: offset, at: at})

	overflow := len(b.samples) - b.capacity
	if overflow > 0 {
		b.removeLocked(overflow)
		b.dropped += uint64(overflow)
		return offset, overflow
	}

	return offset, 0
}

// Take removes up to limit samples from the front of the buffer. A negative
// limit takes everything.
func (b *Buffer) Take(limit int) Segment {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.samples)
	if limit >= 0 && limit < n {
		n = limit
	}

	seg := Segment{
		Offset:    b.head,
		Samples:   make([]float32, n),
		ArrivedAt: b.arrivalLocked(),
	}
	copy(seg.Samples, b.samples[:n])

	b.removeLocked(n)
	b.consumed += uint64(n)

	return seg
}

// Trim removes up to n leading samples as silence; they count as consumed
func (b *Buffer) Trim(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.samples) {
		n = len(b.samples)
	}
	if n <= 0 {
		return 0
	}

	b.removeLocked(n)
	b.consumed += uint64(n)
	b.trimmed += uint64(n)
	return n
}

// Reset discards everything buffered; discarded samples count as dropped
func (b *Buffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.samples)
	b.removeLocked(n)
	b.dropped += uint64(n)
	b.discarded += uint64(n)
	return n
}

// removeLocked drops n samples from the front and advances head
func (b *Buffer) removeLocked(n int) {
	if n <= 0 {
		return
	}

	copy(b.samples, b.samples[n:])
	b.samples = b.samples[:len(b.samples)-n]
	b.head += int64(n)

	// Keep the mark covering the new head
	i := 0
	for i+1 < len(b.arrivals) && b.arrivals[i+1].offset <= b.head {
		i++
	}
	if len(b.samples) == 0 {
		b.arrivals = b.arrivals[:0]
		return
	}
	b.arrivals = b.arrivals[i:]
}

func (b *Buffer) arrivalLocked() time.Time {
	if len(b.arrivals) == 0 {
		return b.lastUpdate
	}
	return b.arrivals[0].at
}

// Peek returns a copy of up to n leading samples without consuming them
func (b *Buffer) Peek(n int) []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.samples) || n < 0 {
		n = len(b.samples)
	}
	out := make([]float32, n)
	copy(out, b.samples[:n])
	return out
}

// Head returns the absolute offset of the oldest buffered sample
func (b *Buffer) Head() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// End returns the absolute offset just past the newest buffered sample
func (b *Buffer) End() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head + int64(len(b.samples))
}

// Size returns the current number of buffered samples
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Duration returns the buffered duration
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return samplesToDuration(len(b.samples), b.sampleRate)
}

// Capacity returns the maximum number of buffered samples
func (b *Buffer) Capacity() int {
	return b.capacity
}

// SampleRate returns the buffer's sample rate
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// GetStats returns current buffer accounting
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		SampleRate:      b.sampleRate,
		Received:        b.received,
		Consumed:        b.consumed,
		Trimmed:         b.trimmed,
		Dropped:         b.dropped,
		Discarded:       b.discarded,
		Buffered:        uint64(len(b.samples)),
		Head:            b.head,
		BufferedSeconds: samplesToDuration(len(b.samples), b.sampleRate).Seconds(),
	}
}

func samplesToDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// DurationToSamples converts a duration to a sample count at the given rate
func DurationToSamples(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
