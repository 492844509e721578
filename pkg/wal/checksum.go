package wal

import "hash/crc32"

// castagnoliTable is the CRC32-C polynomial table; modern CPUs carry a
// hardware instruction for it, unlike the IEEE polynomial.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CalculateCRC32 computes the checksum of data.
func CalculateCRC32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// ValidateCRC32 reports whether data matches its expected checksum.
func ValidateCRC32(data []byte, expected uint32) bool {
	return CalculateCRC32(data) == expected
}
