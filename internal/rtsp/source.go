// Package rtsp defines the narrow contract between an RTSP ingest
// client and this repository's Writer. Implementing an actual RTSP
// client (SETUP/PLAY, RTP depacketization, jitter buffering) is out of
// scope: any collaborator producing decoded Annex B access units on
// this interface — e.g. github.com/bluenviron/gortsplib — can drive a
// Writer.
package rtsp

import "context"

// Packet is one decoded H.264 access unit ready to be appended to a
// recording: Annex B byte-stream NAL units, a presentation timestamp
// in 90 kHz units, and whether it starts a new GOP.
type Packet struct {
	// Data is the full access unit in Annex B format (start-code
	// delimited NAL units), including any leading SPS/PPS on key frames.
	Data []byte
	// PTS90k is the presentation timestamp in 90 kHz units, relative to
	// an arbitrary epoch fixed for the lifetime of one Source.
	PTS90k int64
	// IsSync reports whether this access unit can start decoding
	// on its own (an IDR frame).
	IsSync bool
}

// Source is implemented by an RTSP (or other live-ingest) client that
// feeds a Writer. ReadPacket blocks until a packet is available, the
// context is canceled, or the stream ends.
type Source interface {
	ReadPacket(ctx context.Context) (*Packet, error)
	Close() error
}
