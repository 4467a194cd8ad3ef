package util

import (
	"hash/crc32"

	fserrors "github.com/devrev/pairfs/internal/errors"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum returns the CRC32 (IEEE) of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data hashes to expected
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// VerifyContent returns a ChecksumFailed error when a copy of fileName does not match its record
func VerifyContent(fileName string, data []byte, expected uint32) error {
	if actual := ComputeChecksum(data); actual != expected {
		return fserrors.ChecksumFailed(fileName, expected, actual)
	}
	return nil
}
