package frameparser

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// computeChecksum returns the checksum of data for the given algorithm,
// truncated or zero-padded to length bytes using the algorithm's canonical
// byte order (big-endian for the integer checksums).
func computeChecksum(typ ChecksumType, data []byte, length int) ([]byte, error) {
	switch typ {
	case ChecksumCRC16:
		sum := crc16Modbus(data)
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, sum)
		return truncate(buf, length), nil
	case ChecksumCRC32:
		sum := crc32.ChecksumIEEE(data)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, sum)
		return truncate(buf, length), nil
	case ChecksumMD5:
		sum := md5.Sum(data)
		return truncate(sum[:], length), nil
	case ChecksumSHA256:
		sum := sha256.Sum256(data)
		return truncate(sum[:], length), nil
	case ChecksumSimpleSum:
		var sum uint64
		for _, b := range data {
			sum += uint64(b)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, sum)
		// Low-order bytes carry the sum.
		if length > 0 && length < 8 {
			return buf[8-length:], nil
		}
		return buf, nil
	}
	return nil, fmt.Errorf("unsupported checksum type %q", typ)
}

func truncate(buf []byte, length int) []byte {
	if length > 0 && length < len(buf) {
		return buf[:length]
	}
	return buf
}

// crc16Modbus computes CRC-16/MODBUS (poly 0x8005 reflected, init 0xFFFF).
func crc16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
