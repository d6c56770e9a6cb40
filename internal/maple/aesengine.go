package maple

import (
	"crypto/aes"
	"crypto/cipher"
)

// shortHeaderExtendedSentinel marks a short header's decoded length as "the
// real length doesn't fit in 16 bits, read the extended 8-byte header".
const shortHeaderExtendedSentinel = 0xFF00

// extendedLengthMask strips the sign/flag bit the wire format sets on the
// 32-bit extended length field.
const extendedLengthMask = 0x7FFFFFFF

// maxKeystreamBlocks caps the keystream at 1472 bytes (92 * 16), matching
// the wire's largest possible single-frame payload chunk.
const maxKeystreamBlocks = 92

// loginServerPort is the well-known port identifying the login server;
// only non-login (game) servers use the byte-shift inbound cipher.
const loginServerPort = 8484

// shuffle is the fixed 256-byte S-box used by the IV morph function.
var shuffle = [256]byte{
	0xEC, 0x3F, 0x77, 0xA4, 0x45, 0xD0, 0x71, 0xBF, 0xB7, 0x98, 0x20, 0xFC, 0x4B, 0xE9, 0xB3, 0xE1,
	0x5C, 0x22, 0xF7, 0x0C, 0x44, 0x1B, 0x81, 0xBD, 0x63, 0x8D, 0xD4, 0xC3, 0xF2, 0x10, 0x19, 0xE0,
	0xFB, 0xA1, 0x6E, 0x66, 0xEA, 0xAE, 0xD6, 0xCE, 0x06, 0x18, 0x4E, 0xEB, 0x78, 0x95, 0xDB, 0xBA,
	0xB6, 0x42, 0x7A, 0x2A, 0x83, 0x0B, 0x54, 0x67, 0x6D, 0xE8, 0x65, 0xE7, 0x2F, 0x07, 0xF3, 0xAA,
	0x27, 0x7B, 0x85, 0xB0, 0x26, 0xFD, 0x8B, 0xA9, 0xFA, 0xBE, 0xA8, 0xD7, 0xCB, 0xCC, 0x92, 0xDA,
	0xF9, 0x93, 0x60, 0x2D, 0xDD, 0xD2, 0xA2, 0x9B, 0x39, 0x5F, 0x82, 0x21, 0x4C, 0x69, 0xF8, 0x31,
	0x87, 0xEE, 0x8E, 0xAD, 0x8C, 0x6A, 0xBC, 0xB5, 0x6B, 0x59, 0x13, 0xF1, 0x04, 0x00, 0xF6, 0x5A,
	0x35, 0x79, 0x48, 0x8F, 0x15, 0xCD, 0x97, 0x57, 0x12, 0x3E, 0x37, 0xFF, 0x9D, 0x4F, 0x51, 0xF5,
	0xA3, 0x70, 0xBB, 0x14, 0x75, 0xC2, 0xB8, 0x72, 0xC0, 0xED, 0x7D, 0x68, 0xC9, 0x2E, 0x0D, 0x62,
	0x46, 0x17, 0x11, 0x4D, 0x6C, 0xC4, 0x7E, 0x53, 0xC1, 0x25, 0xC7, 0x9A, 0x1C, 0x88, 0x58, 0x2C,
	0x89, 0xDC, 0x02, 0x64, 0x40, 0x01, 0x5D, 0x38, 0xA5, 0xE2, 0xAF, 0x55, 0xD5, 0xEF, 0x1A, 0x7C,
	0xA7, 0x5B, 0xA6, 0x6F, 0x86, 0x9F, 0x73, 0xE6, 0x0A, 0xDE, 0x2B, 0x99, 0x4A, 0x47, 0x9C, 0xDF,
	0x09, 0x76, 0x9E, 0x30, 0x0E, 0xE4, 0xB2, 0x94, 0xA0, 0x3B, 0x34, 0x1D, 0x28, 0x0F, 0x36, 0xE3,
	0x23, 0xB4, 0x03, 0xD8, 0x90, 0xC8, 0x3C, 0xFE, 0x5E, 0x32, 0x24, 0x50, 0x1F, 0x3A, 0x43, 0x8A,
	0x96, 0x41, 0x74, 0xAC, 0x52, 0x33, 0xF0, 0xD9, 0x29, 0x80, 0xB1, 0x16, 0xD3, 0xAB, 0x91, 0xB9,
	0x84, 0x7F, 0x61, 0x1E, 0xCF, 0xC5, 0xD1, 0x56, 0x3D, 0xCA, 0xF4, 0x05, 0xC6, 0xE5, 0x08, 0x49,
}

// defaultSecretKey is the 32-byte AES-256 key used for every locale except
// locale 6 (Taiwan).
var defaultSecretKey = [32]byte{
	0x13, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0xB4, 0x00, 0x00, 0x00,
	0x1B, 0x00, 0x00, 0x00, 0x0F, 0x00, 0x00, 0x00, 0x33, 0x00, 0x00, 0x00, 0x52, 0x00, 0x00, 0x00,
}

// secretKeys holds 20 hex-encoded 32-byte key rows; locale 6's AES key is
// derived from secretKeys[version % 20].
var secretKeys = [20]string{
	"2923BE84E16CD6AE529049F1F1BBE9EBB3A6DB3C870C3E99245E0D1C06B747DE",
	"B3124DC843BB8BA61F035A7D0938251F5DD4CBFC96F5453B130D890A1CDBAE32",
	"888138616B681262F954D0E7711748780D92291D86299972DB741CFA4F37B8B5",
	"209A50EE407836FD124932F69E7D49DCAD4F14F2444066D06BC430B7323BA122",
	"F622919DE18B1FDAB0CA9902B9729D492C807EC599D5E980B2EAC9CC53BF67D6",
	"BF14D67E2DDC8E6683EF574961FF698F61CDD11E9D9C167272E61DF0844F4A77",
	"02D7E8392C53CBC9121E33749E0CF4D5D49FD4A4597E35CF3222F4CCCFD3902D",
	"48D38F75E6D91D2AE5C0F72B788187440E5F5000D4618DBE7B0515073B33821F",
	"187092DA6454CEB1853E6915F8466A0496730ED9162F6768D4F74A4AD0576876",
	"5B628A8A8F275CF7E5874A3B329B614084C6C3B1A7304A10EE756F032F9E6AEF",
	"762DD0C2C9CD68D4496A792508614014B13B6AA51128C18CD6A90B87978C2FF1",
	"10509BC8814329288AF6E99E47A18148316CCDA49EDE81A38C9810FF9A43CDCF",
	"5E4EE1309CFED9719FE2A5E20C9BB44765382A4689A982797A7678C263B126DF",
	"DA296D3E62E0961234BF39A63F895EF16D0EE36C28A11E201DCBC2033F410784",
	"0F1405651B2861C9C5E72C8E463608DCF3A88DFEBEF2EB71FFA0D03B75068C7E",
	"8778734DD0BE82BEDBC246412B8CFA307F70F0A754863295AA5B68130BE6FCF5",
	"CABE7D9F898A411BFDB84F68F6727B1499CDD30DF0443AB4A66653330BCBA110",
	"5E4CEC034C73E605B4310EAAADCFD5B0CA27FFD89D144DF4792759427C9CC1F8",
	"CD8C87202364B8A687954CB05A8D4E2D99E73DB160DEB180AD0841E96741A5D5",
	"9FE4189F15420026FE4CD12104932FB38F735340438AAF7ECA6FD5CFD3A195CE",
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

func hexByte(s string, i int) byte {
	return hexNibble(s[i])<<4 | hexNibble(s[i+1])
}

// deriveTaiwanKey builds the AES-256 key for locale 6 from the version's
// key row: parse 32 bytes from hex, take every 4th byte as an 8-byte seed,
// and scatter that seed into a 32-byte key at offsets 0,4,8,...,28.
func deriveTaiwanKey(version uint16) [32]byte {
	row := secretKeys[int(version)%20]
	var rowBytes [32]byte
	for i := 0; i < 32; i++ {
		rowBytes[i] = hexByte(row, i*2)
	}
	var key [32]byte
	for i := 0; i < 8; i++ {
		key[i*4] = rowBytes[i*4]
	}
	return key
}

// resolveBuildVersion undoes the inbound quirk where the reference passes
// the build number as 0xFFFF-build (which parses as a negative int16),
// recovering the original build number used for key derivation.
func resolveBuildVersion(version uint16) uint16 {
	if int16(version) < 0 {
		return 0xFFFF - version
	}
	return version
}

// AesEngine owns the per-direction cipher state: the evolving 4-byte IV,
// the AES-256-ECB block cipher used to produce the keystream, and the
// header-validation version. One AesEngine belongs to exactly one
// MapleStream.
type AesEngine struct {
	version   uint16
	iv        [4]byte
	block     cipher.Block
	oldHeader bool
}

// NewAesEngine derives the per-session key from version+locale (applying
// the inbound-version quirk first) and creates the AES-256-ECB cipher used
// to generate keystream blocks.
func NewAesEngine(version uint16, locale uint8, iv [4]byte) *AesEngine {
	keyVersion := resolveBuildVersion(version)

	var key [32]byte
	if locale == 6 {
		key = deriveTaiwanKey(keyVersion)
	} else {
		key = defaultSecretKey
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		// key is always exactly 32 bytes; NewCipher cannot fail here.
		panic(err)
	}

	return &AesEngine{version: version, iv: iv, block: block}
}

// IV returns the current 4-byte IV.
func (e *AesEngine) IV() [4]byte { return e.iv }

// SetOldHeader toggles the legacy fixed-4-byte, non-IV-XORed header format
// carried by some pre-big-bang clients. Off by default; nothing in this
// codebase currently turns it on, since the handshake alone doesn't say
// which header format a client uses, but the knob exists so a future
// version sniff can flip it without touching the framer.
func (e *AesEngine) SetOldHeader(v bool) { e.oldHeader = v }

// ConfirmHeader validates a 4-byte frame header against the current IV and
// version. A mismatch means the stream has desynchronized. Not meaningful
// when oldHeader is set: the legacy format carries no version/IV check.
func (e *AesEngine) ConfirmHeader(buf []byte) bool {
	if e.oldHeader {
		return true
	}
	return buf[0]^e.iv[2] == byte(e.version&0xFF) &&
		buf[1]^e.iv[3] == byte((e.version>>8)&0xFF)
}

// HeaderLength inspects the first 4 bytes and returns 4 or 8: 8 only when
// the short header's decoded length is the extended-form sentinel. Under
// the legacy oldHeader format the header is always 4 bytes.
func (e *AesEngine) HeaderLength(buf []byte) int {
	if e.oldHeader {
		return 4
	}
	ivWord := uint16(buf[0]) | uint16(buf[1])<<8
	xorred := uint16(buf[2]) | uint16(buf[3])<<8
	length := xorred ^ ivWord
	if length == shortHeaderExtendedSentinel {
		return 8
	}
	return 4
}

// PacketLength decodes the payload length from a 4- or 8-byte header; buf
// must hold the whole header (8 bytes for the extended form). Under the
// legacy oldHeader format the length sits directly in bytes 2-3, with no
// IV XOR and no extended form.
func (e *AesEngine) PacketLength(buf []byte) int {
	if e.oldHeader {
		return int(uint16(buf[2]) | uint16(buf[3])<<8)
	}
	ivWord := uint16(buf[0]) | uint16(buf[1])<<8
	xorred := uint16(buf[2]) | uint16(buf[3])<<8
	length := xorred ^ ivWord
	if length != shortHeaderExtendedSentinel {
		return int(length)
	}
	big := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	return int((big ^ uint32(ivWord)) & extendedLengthMask)
}

// TransformAES XORs data in-place with the AES-ECB-chained keystream
// derived from the current IV, processing in the wire's chunked pattern:
// a first run of 1456 (or 1452 for payloads >= 0xFF00) bytes, then runs of
// 1460 bytes, each run restarting the keystream pointer at 0.
func (e *AesEngine) TransformAES(data []byte) {
	var ivBlock [16]byte
	for i := range ivBlock {
		ivBlock[i] = e.iv[i%4]
	}

	requiredBlocks := len(data)/16 + 1
	if requiredBlocks > maxKeystreamBlocks {
		requiredBlocks = maxKeystreamBlocks
	}
	if requiredBlocks < 1 {
		requiredBlocks = 1
	}

	var table [maxKeystreamBlocks * 16]byte
	e.block.Encrypt(table[0:16], ivBlock[:])
	for i := 0; i < requiredBlocks-1; i++ {
		e.block.Encrypt(table[(i+1)*16:(i+2)*16], table[i*16:(i+1)*16])
	}

	firstRun := 1456
	if len(data) >= shortHeaderExtendedSentinel {
		firstRun = 1452
	}

	pos := 0
	runLen := firstRun
	if runLen > len(data) {
		runLen = len(data)
	}
	for pos < len(data) {
		for i := 0; i < runLen; i++ {
			data[pos+i] ^= table[i]
		}
		pos += runLen
		runLen = 1460
		if pos+runLen > len(data) {
			runLen = len(data) - pos
		}
	}
}

// TransformByteShift implements the alternate inbound cipher used on the
// game server (non-login-port) direction: every byte has IV[0] subtracted,
// with unsigned byte wraparound.
func (e *AesEngine) TransformByteShift(data []byte) {
	iv0 := e.iv[0]
	for i := range data {
		data[i] -= iv0
	}
}

// ShiftIV evolves the IV using the morph S-box function, called once after
// every frame regardless of which payload transform was used.
func (e *AesEngine) ShiftIV() {
	old := e.iv
	next := [4]byte{0xF2, 0x53, 0x50, 0xC6}
	for _, v := range old {
		morph(v, &next)
	}
	e.iv = next
}

// morph applies one round of the IV-evolution function for input byte v,
// mutating iv in place.
func morph(v byte, iv *[4]byte) {
	t := shuffle[v]
	iv[0] += shuffle[iv[1]] - v
	iv[1] -= iv[2] ^ t
	iv[2] ^= shuffle[iv[3]] + v
	iv[3] -= iv[0] - t

	val := uint32(iv[0]) | uint32(iv[1])<<8 | uint32(iv[2])<<16 | uint32(iv[3])<<24
	val = (val << 3) | (val >> 29)
	iv[0] = byte(val)
	iv[1] = byte(val >> 8)
	iv[2] = byte(val >> 16)
	iv[3] = byte(val >> 24)
}
