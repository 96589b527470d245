package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

func encodeS2(src []byte) []byte {
	return s2.EncodeBetter(nil, src)
}

func decodeS2(dst, src []byte) error {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("decoded length %d, want %d", n, len(dst))
	}
	_, err = s2.Decode(dst, src)
	return err
}
