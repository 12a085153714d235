package protocol

// CRC16 is the CCITT checksum over a frame's header and payload (initial value 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= uint8(crc & 0xFF)
		b ^= b << 4
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

// appendTrailer appends the CRC of frame followed by the sync byte.
func appendTrailer(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc>>8), byte(crc), MessageValueSync)
}
