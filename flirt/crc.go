package flirt

// crc16 is the checksum used by FLIRT: CRC-16/X-25 with its result byte-swapped.
func crc16(data []byte) uint16 {
	crc := uint32(0xFFFF)
	for _, b := range data {
		d := uint32(b)
		for i := 0; i < 8; i++ {
			if (crc^d)&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
			d >>= 1
		}
	}
	crc = ^crc & 0xFFFF
	return uint16(((crc << 8) & 0xFF00) | ((crc >> 8) & 0xFF))
}
