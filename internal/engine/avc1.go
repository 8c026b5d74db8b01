package engine

import "encoding/binary"

// buildAVCDecoderConfig assembles the avcC box (AVCDecoderConfigurationRecord,
// ISO/IEC 14496-15) around exactly one SPS and one PPS, the inverse of
// mp4synth.ExtractSPSPPS.
func buildAVCDecoderConfig(sps, pps []byte) []byte {
	payload := make([]byte, 0, 11+len(sps)+len(pps))
	payload = append(payload, 1) // configurationVersion
	if len(sps) >= 4 {
		payload = append(payload, sps[1], sps[2], sps[3]) // profile, compat, level
	} else {
		payload = append(payload, 0, 0, 0)
	}
	payload = append(payload, 0xff) // reserved(6)=1 | lengthSizeMinusOne=3
	payload = append(payload, 0xe1) // reserved(3)=1 | numSPS=1

	spsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(spsLen, uint16(len(sps)))
	payload = append(payload, spsLen...)
	payload = append(payload, sps...)

	payload = append(payload, 1) // numPPS
	ppsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(ppsLen, uint16(len(pps)))
	payload = append(payload, ppsLen...)
	payload = append(payload, pps...)

	box := make([]byte, 0, 8+len(payload))
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(8+len(payload)))
	box = append(box, size...)
	box = append(box, "avcC"...)
	return append(box, payload...)
}

// buildVisualSampleEntry assembles a minimal ISO/IEC 14496-12 avc1
// VisualSampleEntry box wrapping an avcC child box. This is the exact
// byte layout model.VideoSampleEntry.Data stores and that
// mp4synth.ExtractSPSPPS later reads the codec parameters back out of,
// built once when a stream's ingest source first supplies its SPS/PPS.
func buildVisualSampleEntry(width, height uint16, sps, pps []byte) []byte {
	avcC := buildAVCDecoderConfig(sps, pps)

	body := make([]byte, 0, 78+len(avcC))
	body = append(body, make([]byte, 6)...) // reserved
	body = append(body, 0, 1)               // data_reference_index
	body = append(body, make([]byte, 16)...)
	wh := make([]byte, 4)
	binary.BigEndian.PutUint16(wh[0:2], width)
	binary.BigEndian.PutUint16(wh[2:4], height)
	body = append(body, wh...)
	body = append(body, 0x00, 0x48, 0x00, 0x00) // horizresolution, 72dpi
	body = append(body, 0x00, 0x48, 0x00, 0x00) // vertresolution, 72dpi
	body = append(body, make([]byte, 4)...)     // reserved
	body = append(body, 0, 1)                   // frame_count
	body = append(body, make([]byte, 32)...)    // compressorname
	body = append(body, 0x00, 0x18)              // depth
	body = append(body, 0xff, 0xff)              // pre_defined
	body = append(body, avcC...)

	box := make([]byte, 0, 8+len(body))
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(8+len(body)))
	box = append(box, size...)
	box = append(box, "avc1"...)
	return append(box, body...)
}
