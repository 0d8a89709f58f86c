// Package sniff classifies byte buffers as supported video container
// formats. Detection combines a general-purpose library check with
// hand-rolled magic-number inspection as a defense-in-depth layer; the
// declared Content-Type is never trusted.
package sniff

import (
	"bytes"

	"github.com/gabriel-vasile/mimetype"
)

// allowedMIMETypes is the set of container types the service accepts.
var allowedMIMETypes = map[string]struct{}{
	"video/mp4":       {},
	"video/quicktime": {},
	"video/x-msvideo": {},
	"video/mpeg":      {},
}

// isoBrands are the ISO base media brands accepted after an "ftyp" marker.
var isoBrands = [][]byte{
	[]byte("isom"),
	[]byte("mp41"),
	[]byte("mp42"),
	[]byte("qt  "),
}

// Detect reports whether buf looks like one of the supported video
// containers. The library detection short-circuits for known types;
// otherwise the buffer must match one of the magic-number policies.
func Detect(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}

	if _, ok := allowedMIMETypes[mimetype.Detect(buf).String()]; ok {
		return true
	}

	return isISOBaseMedia(buf) ||
		isMPEGProgramStream(buf) ||
		isMPEGTransportStream(buf) ||
		isAVI(buf)
}

// isISOBaseMedia matches MP4/QuickTime files: an "ftyp" box marker at
// offset 4 with a recognized major brand at offset 8.
func isISOBaseMedia(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	if !bytes.Equal(buf[4:8], []byte("ftyp")) {
		return false
	}
	for _, brand := range isoBrands {
		if bytes.Equal(buf[8:12], brand) {
			return true
		}
	}
	return false
}

// isMPEGProgramStream matches the MPEG-PS pack header 00 00 01 BA.
func isMPEGProgramStream(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == 0x00 && buf[1] == 0x00 && buf[2] == 0x01 && buf[3] == 0xBA
}

// tsPacketSize is the fixed MPEG transport stream packet length.
const tsPacketSize = 188

// isMPEGTransportStream matches MPEG-TS by the 0x47 sync byte. A lone
// sync byte is weak evidence, so at least 3 packet boundaries within
// the first 10 packets must also carry it.
func isMPEGTransportStream(buf []byte) bool {
	if len(buf) < tsPacketSize*10 || buf[0] != 0x47 {
		return false
	}
	syncs := 0
	for off := 0; off < tsPacketSize*10; off += tsPacketSize {
		if buf[off] == 0x47 {
			syncs++
		}
	}
	return syncs >= 3
}

// isAVI matches RIFF containers with the "AVI " form type.
func isAVI(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	return bytes.Equal(buf[0:4], []byte("RIFF")) && bytes.Equal(buf[8:12], []byte("AVI "))
}
