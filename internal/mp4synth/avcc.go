package mp4synth

import (
	"encoding/binary"
	"fmt"
)

// ExtractSPSPPS pulls the first SPS and PPS NAL units out of a stored
// VisualSampleEntry's avcC child box (the AVCDecoderConfigurationRecord
// defined by ISO/IEC 14496-15), so they can be handed to
// mp4.CodecH264{SPS, PPS} when building the init segment. entryData is
// the full serialized avc1 box, avcC tag and all; only the avcC
// payload's SPS/PPS tables matter here, so this scans for the tag
// rather than requiring a full box tree walk.
func ExtractSPSPPS(entryData []byte) (sps, pps []byte, err error) {
	tagIdx := indexOf(entryData, []byte("avcC"))
	if tagIdx < 0 {
		return nil, nil, fmt.Errorf("mp4synth: no avcC box found in sample entry")
	}
	if tagIdx < 4 {
		return nil, nil, fmt.Errorf("mp4synth: avcC tag has no preceding box size")
	}
	boxSize := binary.BigEndian.Uint32(entryData[tagIdx-4:])
	payloadStart := tagIdx + 4
	payloadEnd := tagIdx - 4 + int(boxSize)
	if boxSize < 8 || payloadEnd > len(entryData) || payloadEnd < payloadStart {
		return nil, nil, fmt.Errorf("mp4synth: avcC box size %d out of range", boxSize)
	}
	payload := entryData[payloadStart:payloadEnd]

	// AVCDecoderConfigurationRecord: configurationVersion(1) AVCProfileIndication(1)
	// profile_compatibility(1) AVCLevelIndication(1) lengthSizeMinusOne(1, low 2 bits)
	// numOfSequenceParameterSets(1, low 5 bits) then that many [len(2) NAL] entries,
	// then numOfPictureParameterSets(1) then that many [len(2) NAL] entries.
	if len(payload) < 6 {
		return nil, nil, fmt.Errorf("mp4synth: avcC payload too short")
	}
	pos := 5
	numSPS := int(payload[pos] & 0x1f)
	pos++
	for i := 0; i < numSPS; i++ {
		if pos+2 > len(payload) {
			return nil, nil, fmt.Errorf("mp4synth: truncated avcC sps table")
		}
		l := int(binary.BigEndian.Uint16(payload[pos:]))
		pos += 2
		if pos+l > len(payload) {
			return nil, nil, fmt.Errorf("mp4synth: truncated sps nal")
		}
		if i == 0 {
			sps = append([]byte(nil), payload[pos:pos+l]...)
		}
		pos += l
	}
	if pos >= len(payload) {
		return nil, nil, fmt.Errorf("mp4synth: avcC missing pps count")
	}
	numPPS := int(payload[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		if pos+2 > len(payload) {
			return nil, nil, fmt.Errorf("mp4synth: truncated avcC pps table")
		}
		l := int(binary.BigEndian.Uint16(payload[pos:]))
		pos += 2
		if pos+l > len(payload) {
			return nil, nil, fmt.Errorf("mp4synth: truncated pps nal")
		}
		if i == 0 {
			pps = append([]byte(nil), payload[pos:pos+l]...)
		}
		pos += l
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("mp4synth: avcC has no sps/pps")
	}
	return sps, pps, nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
