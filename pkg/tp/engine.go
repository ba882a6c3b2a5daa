// Package tp implements SOME/IP-TP: segmentation of outbound payloads
// that exceed the link MTU and reassembly of inbound segments. Shaped
// like pkg/sdo/client.go's block-transfer bookkeeping
// (sequence numbers, per-transfer timeout) generalized from a CAN
// 7-byte sub-block to arbitrary 16-byte-aligned chunks over UDP/TCP.
package tp

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arunj123/gosomeip/pkg/wire"
)

// DefaultThreshold is the typical SOME/IP-TP segmentation threshold:
// message header (16) + TP header (4) + chunk must fit inside a
// standard UDP MTU (1500), leaving headroom for the chosen chunk size.
const DefaultThreshold = 1392

// DefaultReassemblyTimeout bounds how long an incomplete inbound
// assembly is retained before being discarded (§3 "TP-assembly entries
// are garbage-collected after a configurable deadline if they remain
// incomplete").
const DefaultReassemblyTimeout = 5 * time.Second

// ErrMalformedTP is returned by Feed when an overlapping segment
// disagrees with previously stored content for the same byte range.
var ErrMalformedTP = errors.New("tp: overlapping segments with inconsistent content")

// Segment is one outbound chunk of a segmented payload, ready to be
// wrapped in a SOME/IP header with the TP-variant message type.
type Segment struct {
	Header  wire.TPHeader
	Payload []byte
}

// chunkSize returns the largest multiple of 16 not exceeding threshold,
// or 16 when threshold is below 16.
func chunkSize(threshold int) int {
	if threshold < 16 {
		return 16
	}
	return (threshold / 16) * 16
}

// SegmentPayload splits payload into outbound chunks of chunkSize(threshold)
// bytes, each (except possibly the last) a multiple of 16 bytes, per
// §4.4. A payload no longer than one chunk comes back as a single
// segment with More=false, and an empty payload as nil; callers check
// len(payload) <= threshold themselves to decide whether to call
// SegmentPayload at all.
func SegmentPayload(payload []byte, threshold int) []Segment {
	size := chunkSize(threshold)
	var segments []Segment
	offset := 0
	for offset < len(payload) {
		end := offset + size
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		segments = append(segments, Segment{
			Header:  wire.TPHeader{Offset: uint32(offset), More: more},
			Payload: payload[offset:end],
		})
		offset = end
	}
	return segments
}

// AssemblyKey correlates inbound segments to the payload they belong to.
type AssemblyKey struct {
	ServiceID uint16
	MethodID  uint16
	ClientID  uint16
	SessionID uint16
}

type chunk struct {
	data []byte
}

type assembly struct {
	segments    map[uint32]chunk // offset -> chunk
	finalLength *uint32
	firstSeen   time.Time
}

func (a *assembly) complete() ([]byte, bool) {
	if a.finalLength == nil {
		return nil, false
	}
	total := *a.finalLength
	out := make([]byte, total)
	covered := uint32(0)
	// Walk offsets in order, verifying no gap/overlap.
	offsets := make([]uint32, 0, len(a.segments))
	for off := range a.segments {
		offsets = append(offsets, off)
	}
	sortUint32(offsets)
	for _, off := range offsets {
		c := a.segments[off]
		if off != covered {
			return nil, false // gap, or (off < covered) an overlap Feed accepted because its content agreed
		}
		copy(out[off:], c.data)
		covered = off + uint32(len(c.data))
	}
	if covered != total {
		return nil, false
	}
	return out, true
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Reassembler holds in-flight inbound TP assemblies, keyed by
// (service,method,client,session), and garbage-collects incomplete
// ones past the timeout.
type Reassembler struct {
	mu        sync.Mutex
	timeout   time.Duration
	assembles map[AssemblyKey]*assembly
	logger    *slog.Logger
}

// NewReassembler returns a Reassembler with the given incomplete-
// assembly timeout. A nil logger defaults to slog.Default().
func NewReassembler(timeout time.Duration, logger *slog.Logger) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		timeout:   timeout,
		assembles: make(map[AssemblyKey]*assembly),
		logger:    logger.With("component", "tp"),
	}
}

// Feed stores one inbound segment. It returns the full reassembled
// payload and true once the assembly is complete ([0, finalLength)
// covered with no gap and no overlap); otherwise it returns (nil,
// false). Duplicate segments with identical content are idempotent;
// overlapping segments with inconsistent content return ErrMalformedTP.
func (r *Reassembler) Feed(key AssemblyKey, h wire.TPHeader, data []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assembles[key]
	if !ok {
		a = &assembly{segments: make(map[uint32]chunk), firstSeen: time.Now()}
		r.assembles[key] = a
	}

	if existing, ok := a.segments[h.Offset]; ok {
		if !bytesEqual(existing.data, data) {
			return nil, false, ErrMalformedTP
		}
	} else {
		if err := r.checkOverlap(a, h.Offset, data); err != nil {
			return nil, false, err
		}
		a.segments[h.Offset] = chunk{data: append([]byte{}, data...)}
	}

	if !h.More {
		final := h.Offset + uint32(len(data))
		a.finalLength = &final
	}

	payload, done := a.complete()
	if done {
		delete(r.assembles, key)
	}
	return payload, done, nil
}

func (r *Reassembler) checkOverlap(a *assembly, offset uint32, data []byte) error {
	end := offset + uint32(len(data))
	for off, c := range a.segments {
		cend := off + uint32(len(c.data))
		if offset < cend && off < end {
			// Ranges overlap; content must agree on the overlapping region.
			if !overlapAgrees(off, c.data, offset, data) {
				return ErrMalformedTP
			}
		}
	}
	return nil
}

func overlapAgrees(off1 uint32, d1 []byte, off2 uint32, d2 []byte) bool {
	start := max32(off1, off2)
	end1, end2 := off1+uint32(len(d1)), off2+uint32(len(d2))
	end := min32(end1, end2)
	for p := start; p < end; p++ {
		if d1[p-off1] != d2[p-off2] {
			return false
		}
	}
	return true
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Sweep discards incomplete assemblies older than the reassembly
// timeout. Intended to be called periodically from the dispatcher loop.
func (r *Reassembler) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.assembles {
		if now.Sub(a.firstSeen) > r.timeout {
			delete(r.assembles, key)
			r.logger.Warn("discarding incomplete TP assembly past timeout",
				"service", key.ServiceID, "method", key.MethodID, "session", key.SessionID)
		}
	}
}

// Pending returns the number of in-flight assemblies, for metrics/tests.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assembles)
}
