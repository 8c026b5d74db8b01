// Package videoindex implements the bit-exact encoder/decoder for a
// recording's per-frame index: a restartable-from-zero sequence of
// (duration, size, is_sync) triples, stored as the recording_playback
// video index blob.
//
// Wire format, one entry per sample in order:
//
//	varint(zigzag(duration - prev_duration))
//	varint(zigzag(((size - prev_size) << 1) | is_sync_bit))
//
// prev_duration and prev_size both start at zero. Decoding is only ever
// restartable from byte 0; there is no random access within one index.
package videoindex

import (
	"fmt"
)

// Sample is one decoded entry of a video index.
type Sample struct {
	Duration Clock90k
	Bytes    int32
	IsSync   bool
}

// Clock90k avoids importing the model package here, keeping this codec
// a leaf with zero internal dependencies (it is exercised directly by
// round-trip tests and by the writer's incremental encoder).
type Clock90k = int32

// Encoder incrementally builds a video index blob, one AddSample call
// per decoded RTSP packet.
type Encoder struct {
	buf          []byte
	prevDuration Clock90k
	prevBytes    int32
	sampleCount  int
	syncCount    int
	totalBytes   int64
	totalDur     int64
}

// NewEncoder returns an empty encoder ready to accept samples in order.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// AddSample appends one sample to the index. duration and size must be
// non-negative; size must be > 0 (a recording never stores a zero-byte
// sample).
func (e *Encoder) AddSample(duration Clock90k, size int32, isSync bool) {
	durationDelta := int64(duration) - int64(e.prevDuration)
	e.buf = appendVarint(e.buf, zigzag(durationDelta))

	sizeDelta := int64(size) - int64(e.prevBytes)
	combined := (sizeDelta << 1)
	if isSync {
		combined |= 1
	}
	e.buf = appendVarint(e.buf, zigzag(combined))

	e.prevDuration = duration
	e.prevBytes = size
	e.sampleCount++
	if isSync {
		e.syncCount++
	}
	e.totalBytes += int64(size)
	e.totalDur += int64(duration)
}

// Bytes returns the encoded index built so far. The returned slice is
// owned by the caller; the encoder must not be reused afterward.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// SampleCount, SyncSampleCount and TotalBytes mirror the running totals
// the Writer needs to populate recording.video_samples,
// recording.video_sync_samples and recording.sample_file_bytes without
// re-decoding the blob it just produced.
func (e *Encoder) SampleCount() int     { return e.sampleCount }
func (e *Encoder) SyncSampleCount() int { return e.syncCount }
func (e *Encoder) TotalBytes() int64    { return e.totalBytes }

// TotalDuration is the sum of every sample's duration, i.e. the
// recording's media duration as opposed to its wall-clock duration.
func (e *Encoder) TotalDuration() int64 { return e.totalDur }

// Decode fully decodes a video index blob into an ordered sample slice.
// Per invariant 6 in spec.md, Encode(Decode(b)) == b for any valid b.
func Decode(data []byte) ([]Sample, error) {
	var samples []Sample
	var prevDuration Clock90k
	var prevBytes int32
	pos := 0
	for pos < len(data) {
		durDeltaZ, n, err := readVarint(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("videoindex: duration delta at byte %d: %w", pos, err)
		}
		pos += n
		durationDelta := unzigzag(durDeltaZ)
		duration := prevDuration + Clock90k(durationDelta)

		if pos >= len(data) {
			return nil, fmt.Errorf("videoindex: truncated at byte %d: missing size/sync field", pos)
		}
		combinedZ, n, err := readVarint(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("videoindex: size/sync field at byte %d: %w", pos, err)
		}
		pos += n
		combined := unzigzag(combinedZ)
		isSync := combined&1 != 0
		sizeDelta := combined >> 1
		size := prevBytes + int32(sizeDelta)
		if size <= 0 {
			return nil, fmt.Errorf("videoindex: non-positive sample size %d at byte %d", size, pos)
		}

		samples = append(samples, Sample{Duration: duration, Bytes: size, IsSync: isSync})
		prevDuration = duration
		prevBytes = size
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("videoindex: empty index")
	}
	if !samples[0].IsSync {
		return nil, fmt.Errorf("videoindex: first sample is not a sync sample")
	}
	return samples, nil
}

// Encode re-encodes a decoded sample list, used by tests asserting the
// round-trip invariant and by any caller that mutates a decoded index
// in place (the engine never does; recordings are immutable once
// committed).
func Encode(samples []Sample) []byte {
	e := NewEncoder()
	for _, s := range samples {
		e.AddSample(s.Duration, s.Bytes, s.IsSync)
	}
	return e.Bytes()
}

func zigzag(v int64) int64 {
	return (v << 1) ^ (v >> 63)
}

func unzigzag(v int64) int64 {
	return int64(uint64(v)>>1) ^ -(v & 1)
}

// appendVarint appends v, reinterpreted as an unsigned 64-bit quantity,
// as a little-endian base-128 varint (standard protobuf-style
// continuation-bit encoding).
func appendVarint(buf []byte, v int64) []byte {
	u := uint64(v)
	for u >= 0x80 {
		buf = append(buf, byte(u)|0x80)
		u >>= 7
	}
	return append(buf, byte(u))
}

// readVarint reads one varint from the front of data, returning its
// signed (pre-zigzag-decode) value and the number of bytes consumed.
func readVarint(data []byte) (int64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		if shift >= 64 {
			return 0, 0, fmt.Errorf("varint too long")
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(result), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated varint")
}
