package maple

import (
	"encoding/binary"
	"strconv"
)

// handshakeStandardSizeThreshold distinguishes the standard handshake
// layout (size > 0x10, carries an explicit patch-location string) from the
// short layout (size <= 0x10, carries only a numeric patch value).
const handshakeStandardSizeThreshold = 0x10

// maxPatchStringLen bounds the standard handshake's Pascal string length;
// anything larger is treated as a malformed size prefix.
const maxPatchStringLen = 100

// parsedHandshake is the cleartext handshake payload, decoded but not yet
// installed on a Session.
type parsedHandshake struct {
	version       uint16
	patchLocation string
	localIV       [4]byte
	remoteIV      [4]byte
	locale        uint8
}

// handshakeStatus distinguishes "not enough bytes yet" from "this will
// never parse" so the caller knows whether to keep buffering.
type handshakeStatus int

const (
	handshakeNeedMore handshakeStatus = iota
	handshakeOK
	handshakeMalformed
)

// tryParseHandshake decodes the cleartext Maple handshake from accumulated
// inbound bytes: a u16 size prefix followed by that many bytes of payload,
// in either the standard or short layout. consumed is the number of
// leading bytes of buf the handshake message occupied; any bytes past it
// belong to the inbound application stream.
func tryParseHandshake(buf []byte) (hs parsedHandshake, status handshakeStatus, consumed int) {
	if len(buf) < 2 {
		return hs, handshakeNeedMore, 0
	}
	size := binary.LittleEndian.Uint16(buf[0:2])
	if len(buf) < 2+int(size) {
		return hs, handshakeNeedMore, 0
	}
	payload := buf[2 : 2+int(size)]
	consumed = 2 + int(size)

	if size > handshakeStandardSizeThreshold {
		hs, status = parseStandardHandshake(payload)
		return hs, status, consumed
	}
	hs, status = parseShortHandshake(payload)
	return hs, status, consumed
}

func parseStandardHandshake(payload []byte) (parsedHandshake, handshakeStatus) {
	var hs parsedHandshake
	if len(payload) < 4 {
		return hs, handshakeMalformed
	}
	version := binary.LittleEndian.Uint16(payload[0:2])
	strLen := binary.LittleEndian.Uint16(payload[2:4])
	if strLen > maxPatchStringLen {
		return hs, handshakeMalformed
	}
	need := 4 + int(strLen) + 4 + 4 + 1
	if len(payload) < need {
		return hs, handshakeMalformed
	}
	patch := string(payload[4 : 4+int(strLen)])
	off := 4 + int(strLen)

	hs.version = version
	hs.patchLocation = patch
	copy(hs.localIV[:], payload[off:off+4])
	copy(hs.remoteIV[:], payload[off+4:off+8])
	hs.locale = payload[off+8]

	if hs.locale == 0 || hs.locale > 0x12 {
		return hs, handshakeMalformed
	}
	return hs, handshakeOK
}

func parseShortHandshake(payload []byte) (parsedHandshake, handshakeStatus) {
	var hs parsedHandshake
	// u16 version, 2 skipped, u16 patchVal, 4 localIV, 4 remoteIV, u8 locale, 1 skipped
	const need = 2 + 2 + 2 + 4 + 4 + 1 + 1
	if len(payload) < need {
		return hs, handshakeMalformed
	}
	version := binary.LittleEndian.Uint16(payload[0:2])
	patchVal := binary.LittleEndian.Uint16(payload[4:6])
	off := 6

	hs.version = version
	hs.patchLocation = strconv.Itoa(int(patchVal) + 1)
	copy(hs.localIV[:], payload[off:off+4])
	copy(hs.remoteIV[:], payload[off+4:off+8])
	hs.locale = payload[off+8]

	if hs.locale == 0 || hs.locale > 0x12 {
		return hs, handshakeMalformed
	}
	return hs, handshakeOK
}

// subVersionOf parses the numeric sub-version from a patch-location
// string: the integer value if every character is a digit, else 1. The
// raw string is always kept separately for display.
func subVersionOf(patchLocation string) int {
	if patchLocation == "" {
		return 1
	}
	for _, c := range patchLocation {
		if c < '0' || c > '9' {
			return 1
		}
	}
	n, err := strconv.Atoi(patchLocation)
	if err != nil {
		return 1
	}
	return n
}

// hasColon reports whether s contains a ':'.
func hasColon(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}
