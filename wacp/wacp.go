// Package wacp implements the disco's wire protocol: three fixed request
// frames, byte-identical on every call, and two response frame shapes with
// full structural validation before any field is trusted.
//
// The WACP packet is a layered big-endian structure: a message (class id,
// size, encryption bitmask) wrapping an object (object id, sizes, version,
// bitmask, static payload) which for temperature responses wraps one more
// encapsulated object (the float + status pair). Every size field counts
// bytes remaining from that point in the buffer, not the total, and is
// checked against the actual buffer length before being trusted.
package wacp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
)

// RequestTemp asks the currently-connected disco for its displayed
// temperature. Verbatim bytes, never varied.
var RequestTemp = []byte{
	0x17, 0x01, 0x0c, 0x00, 0x00, 0x00, 0x1a, 0x01, 0x19, 0x00, 0x03, 0x0b,
	0x00, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0xe9, 0x32,
	0x94, 0xfe,
}

// RequestSerial asks the disco for its serial identifier. Verbatim bytes,
// never varied.
var RequestSerial = []byte{
	0x17, 0x01, 0x0c, 0x00, 0x00, 0x00, 0x1a, 0x01, 0x19, 0x00, 0x18, 0x0b,
	0x00, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x71, 0xe8,
	0x80, 0x3e,
}

// InitPt1 and InitPt2 are the two-part rendezvous handshake a session
// sends once, before any request, discarding both replies.
var InitPt1 = []byte{
	0x17, 0x01, 0x0c, 0x00, 0x00, 0x00, 0x25, 0x01, 0x19, 0x00, 0x01, 0x0b,
	0x00, 0x00, 0x00, 0x00, 0x12, 0x00, 0x00, 0x00, 0x00, 0x0b, 0x00, 0x01,
	0x00, 0x01, 0x00, 0x05, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00,
}

var InitPt2 = []byte{
	0x17, 0x01, 0x0c, 0x00, 0x00, 0x00, 0x3b, 0x01, 0x19, 0x00, 0x01, 0x0b,
	0x01, 0x00, 0x00, 0x00, 0x28, 0x00, 0x00, 0x00, 0x00, 0x21, 0x00, 0x01,
	0x00, 0x02, 0x00, 0x1b, 0x00, 0x01, 0x00, 0x00, 0x00, 0x16,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00,
}

const (
	classIDTemperature  = 0x00030F00
	classIDSerial       = 0x00180F00
	objectIDTemperature = 0x00030001
	objectIDSerial      = 0x00180000
	encapObjectIDFloat  = 0x0075001F

	staticSizeTemperature = 0x0010
	staticSizeSerial      = 0x006C

	maxObjectVersion      = 0x00CD
	maxEncapObjectVersion = 0x00C8

	statusIncomplete = 0x0080
	statusValid      = 0x0001

	sourceDisco                   = 0x0F
	opModeTympanic                = 0x0F
	calcMethodUnadjusted          = 0x0C
	calcMethodFellOutOfUnadjusted = 0x0D

	// TemperatureFrameSize and SerialFrameSize are the only two response
	// sizes the decoder accepts.
	TemperatureFrameSize = 78
	SerialFrameSize      = 147

	serialFieldOffset = 77
	serialFieldLen    = 16

	// InvalidSerial is the sentinel DecodeSerial returns for a malformed
	// frame.
	InvalidSerial = "Invalid device!"
)

// ErrRejected marks a structural validation failure: the reading is
// discarded but the session continues.
var ErrRejected = errors.New("wacp: frame rejected")

// ErrUnsafeVersion marks a frame whose declared version or static size is
// newer/larger than this decoder understands. The caller should treat this
// as fatal rather than risk silently misinterpreting a newer wire format.
var ErrUnsafeVersion = errors.New("wacp: frame version unsafe")

// ErrIncomplete signals status 0x80: the disco is still calculating and
// the caller should re-request after a short wait.
var ErrIncomplete = errors.New("wacp: measurement still calculating")

type header struct {
	body []byte // bytes following the combined 33-byte message+object header
}

// parseHeader validates everything common to both response shapes: the
// preamble, the three nested length fields, the encryption/object
// bitmasks, the class and object ids, the declared version ceiling, and
// the expected static-payload size. Every mismatch is logged at error
// level before returning, per the decoder's stated validation strategy.
func parseHeader(buf []byte, log zerolog.Logger, wantClassID, wantObjectID uint32, wantStaticSize uint16) (header, error) {
	if len(buf) < 33 {
		log.Error().Int("len", len(buf)).Msg("wacp: frame shorter than the combined header")
		return header{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrRejected, len(buf))
	}
	if buf[0] != 0x17 || buf[1] != 0x01 || buf[2] != 0x0c {
		log.Error().Msg("wacp: no preamble found, bad packet")
		return header{}, fmt.Errorf("%w: bad preamble", ErrRejected)
	}
	totalSize := binary.BigEndian.Uint32(buf[3:7])
	if int(totalSize) != len(buf) {
		log.Error().Uint32("declared", totalSize).Int("actual", len(buf)).Msg("wacp: bad packet size")
		return header{}, fmt.Errorf("%w: total size %d != buffer length %d", ErrRejected, totalSize, len(buf))
	}
	classID := binary.BigEndian.Uint32(buf[9:13])
	if classID != wantClassID {
		log.Error().Uint32("class_id", classID).Msg("wacp: unknown message response class")
		return header{}, fmt.Errorf("%w: unexpected message class 0x%08X", ErrRejected, classID)
	}
	msgSize := binary.BigEndian.Uint32(buf[13:17])
	if int(msgSize) != len(buf)-19 {
		log.Error().Uint32("declared", msgSize).Int("expected", len(buf)-19).Msg("wacp: bad message size")
		return header{}, fmt.Errorf("%w: bad message size", ErrRejected)
	}
	if buf[17] != 0 {
		log.Error().Uint8("bitmask", buf[17]).Msg("wacp: message potentially encrypted, unsupported")
		return header{}, fmt.Errorf("%w: encrypted payload unsupported (bitmask 0x%02X)", ErrRejected, buf[17])
	}
	objSize := binary.BigEndian.Uint32(buf[18:22])
	if int(objSize) != len(buf)-26 {
		log.Error().Uint32("declared", objSize).Int("expected", len(buf)-26).Msg("wacp: bad object size")
		return header{}, fmt.Errorf("%w: bad object size", ErrRejected)
	}
	objectID := binary.BigEndian.Uint32(buf[22:26])
	if objectID != wantObjectID {
		log.Error().Uint32("object_id", objectID).Msg("wacp: unknown object id")
		return header{}, fmt.Errorf("%w: unexpected object id 0x%08X", ErrRejected, objectID)
	}
	internalSize := binary.BigEndian.Uint16(buf[26:28])
	if int(internalSize) != len(buf)-32 {
		log.Error().Uint16("declared", internalSize).Int("expected", len(buf)-32).Msg("wacp: bad object inner size")
		return header{}, fmt.Errorf("%w: bad internal size", ErrRejected)
	}
	version := binary.BigEndian.Uint16(buf[28:30])
	if version > maxObjectVersion {
		log.Error().Uint16("version", version).Msg("wacp: object version newer than expected")
		return header{}, fmt.Errorf("%w: object version 0x%04X exceeds 0x%04X", ErrUnsafeVersion, version, maxObjectVersion)
	}
	if buf[30] != 0 {
		log.Error().Uint8("bitmask", buf[30]).Msg("wacp: bad object bitmask")
		return header{}, fmt.Errorf("%w: nonzero object bitmask 0x%02X", ErrRejected, buf[30])
	}
	staticSize := binary.BigEndian.Uint16(buf[31:33])
	if staticSize != wantStaticSize {
		log.Error().Uint16("static_size", staticSize).Msg("wacp: unexpected static variable size")
		return header{}, fmt.Errorf("%w: unexpected static size 0x%04X", ErrUnsafeVersion, staticSize)
	}
	return header{body: buf[33:]}, nil
}

// DecodeTemperature validates and decodes a 78-byte temperature response.
// On success it returns the reading in Celsius. ErrIncomplete means the
// caller should re-request; any other non-nil error means the reading
// should be discarded (ErrRejected) or the process should halt
// (ErrUnsafeVersion).
func DecodeTemperature(buf []byte, log zerolog.Logger) (float32, error) {
	if len(buf) != TemperatureFrameSize {
		return 0, fmt.Errorf("%w: frame size %d != %d", ErrRejected, len(buf), TemperatureFrameSize)
	}
	h, err := parseHeader(buf, log, classIDTemperature, objectIDTemperature, staticSizeTemperature)
	if err != nil {
		return 0, err
	}

	// body layout: 8-byte time, 2-byte status, 2-byte extended status, one
	// reserved byte, then source/op_mode/calc_method.
	body := h.body
	source := body[13]
	if source != sourceDisco {
		log.Error().Uint8("source", source).Msg("wacp: unexpected device response source")
		return 0, fmt.Errorf("%w: unexpected source 0x%02X", ErrRejected, source)
	}
	opMode := body[14]
	if opMode != opModeTympanic {
		log.Error().Uint8("op_mode", opMode).Msg("wacp: operation mode is not tympanic, temperature untrustworthy")
		return 0, fmt.Errorf("%w: untrustworthy op mode 0x%02X", ErrRejected, opMode)
	}
	calcMethod := body[15]
	switch calcMethod {
	case calcMethodUnadjusted:
	case calcMethodFellOutOfUnadjusted:
		log.Warn().Uint8("calc_method", calcMethod).Msg("wacp: disco fell out of unadjusted mode")
	default:
		log.Warn().Uint8("calc_method", calcMethod).Msg("wacp: unrecognised calc method")
	}

	encap := body[16:]
	encapObjSize := binary.BigEndian.Uint32(encap[0:4])
	if int(encapObjSize) != len(buf)-59 {
		log.Error().Uint32("declared", encapObjSize).Int("expected", len(buf)-59).Msg("wacp: bad encapsulated object size")
		return 0, fmt.Errorf("%w: bad encapsulated object size", ErrRejected)
	}
	encapObjID := binary.BigEndian.Uint32(encap[4:8])
	if encapObjID != encapObjectIDFloat {
		log.Error().Uint32("object_id", encapObjID).Msg("wacp: unexpected encapsulated object id")
		return 0, fmt.Errorf("%w: unexpected encapsulated object id 0x%08X", ErrRejected, encapObjID)
	}
	encapInternalSize := binary.BigEndian.Uint16(encap[8:10])
	if int(encapInternalSize) != len(buf)-72 {
		log.Error().Uint16("declared", encapInternalSize).Int("expected", len(buf)-72).Msg("wacp: bad encapsulated object inner size")
		return 0, fmt.Errorf("%w: bad encapsulated internal size", ErrRejected)
	}
	encapVersion := binary.BigEndian.Uint16(encap[10:12])
	if encapVersion > maxEncapObjectVersion {
		log.Error().Uint16("version", encapVersion).Msg("wacp: encapsulated object newer version than expected")
		return 0, fmt.Errorf("%w: encapsulated object version 0x%04X exceeds 0x%04X", ErrUnsafeVersion, encapVersion, maxEncapObjectVersion)
	}
	if encap[12] != 0 {
		log.Error().Uint8("bitmask", encap[12]).Msg("wacp: encapsulated object contains unknown bitmask")
		return 0, fmt.Errorf("%w: nonzero encapsulated bitmask 0x%02X", ErrRejected, encap[12])
	}
	encapVarSize := binary.BigEndian.Uint16(encap[13:15])
	if encapVarSize != 6 {
		log.Error().Uint16("var_size", encapVarSize).Msg("wacp: encapsulated object is the wrong size for a float+status pair")
		return 0, fmt.Errorf("%w: unexpected encapsulated variable size 0x%04X", ErrUnsafeVersion, encapVarSize)
	}

	kelvin := math.Float32frombits(binary.BigEndian.Uint32(encap[15:19]))
	status := binary.BigEndian.Uint16(encap[19:21])

	switch status {
	case statusValid:
		return kelvin - 273.15, nil
	case statusIncomplete:
		return 0, ErrIncomplete
	default:
		log.Error().Uint16("status", status).Msg("wacp: unexpected disco status")
		return 0, fmt.Errorf("%w: unexpected status 0x%04X", ErrRejected, status)
	}
}

// DecodeSerial validates and decodes a 147-byte serial response, returning
// the device's 16-character identifier trimmed of whitespace and trailing
// NULs. A malformed frame returns InvalidSerial rather than an error: the
// caller (session.Open) keeps the session and reports its serial as
// "unknown".
func DecodeSerial(buf []byte, log zerolog.Logger) string {
	if len(buf) != SerialFrameSize {
		return InvalidSerial
	}
	if _, err := parseHeader(buf, log, classIDSerial, objectIDSerial, staticSizeSerial); err != nil {
		return InvalidSerial
	}
	field := buf[serialFieldOffset : serialFieldOffset+serialFieldLen]
	s := strings.TrimRight(string(field), "\x00")
	return strings.TrimSpace(s)
}
