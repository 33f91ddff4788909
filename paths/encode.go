package paths

import (
	"errors"
	"strconv"
)

var errMalformed = errors.New("paths: malformed persisted record")

func uint64ToHex(v uint64) string {
	return strconv.FormatUint(v, 16)
}

func hexToUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
