package wacp

import "encoding/binary"

// BuildTemperatureFrame assembles a structurally valid 78-byte temperature
// response with the given float bytes and status (calc method unadjusted), for use by
// this package's tests and by other packages' tests that need a
// fixture-shaped WACP frame without talking to a real device.
func BuildTemperatureFrame(floatBytes [4]byte, status uint16) []byte {
	buf := make([]byte, TemperatureFrameSize)
	buf[0], buf[1], buf[2] = 0x17, 0x01, 0x0c
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[9:13], classIDTemperature)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(buf)-19))
	binary.BigEndian.PutUint32(buf[18:22], uint32(len(buf)-26))
	binary.BigEndian.PutUint32(buf[22:26], objectIDTemperature)
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(buf)-32))
	binary.BigEndian.PutUint16(buf[28:30], 0x00CD)
	binary.BigEndian.PutUint16(buf[31:33], staticSizeTemperature)
	buf[33+13] = sourceDisco
	buf[33+14] = opModeTympanic
	buf[33+15] = calcMethodUnadjusted
	encapStart := 33 + 16
	binary.BigEndian.PutUint32(buf[encapStart:encapStart+4], uint32(len(buf)-59))
	binary.BigEndian.PutUint32(buf[encapStart+4:encapStart+8], encapObjectIDFloat)
	binary.BigEndian.PutUint16(buf[encapStart+8:encapStart+10], uint16(len(buf)-72))
	binary.BigEndian.PutUint16(buf[encapStart+10:encapStart+12], 0x00C8)
	binary.BigEndian.PutUint16(buf[encapStart+13:encapStart+15], 6)
	copy(buf[encapStart+15:encapStart+19], floatBytes[:])
	binary.BigEndian.PutUint16(buf[encapStart+19:encapStart+21], status)
	return buf
}

// BuildSerialFrame assembles a structurally valid 147-byte serial response
// carrying serialField at its fixed offset.
func BuildSerialFrame(serialField [16]byte) []byte {
	buf := make([]byte, SerialFrameSize)
	buf[0], buf[1], buf[2] = 0x17, 0x01, 0x0c
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[9:13], classIDSerial)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(buf)-19))
	binary.BigEndian.PutUint32(buf[18:22], uint32(len(buf)-26))
	binary.BigEndian.PutUint32(buf[22:26], objectIDSerial)
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(buf)-32))
	binary.BigEndian.PutUint16(buf[28:30], 0x0001)
	binary.BigEndian.PutUint16(buf[31:33], staticSizeSerial)
	copy(buf[serialFieldOffset:serialFieldOffset+serialFieldLen], serialField[:])
	return buf
}
