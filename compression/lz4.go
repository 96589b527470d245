package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// encodeLZ4 returns nil when src does not compress.
func encodeLZ4(src []byte) []byte {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst)
	if err != nil || n == 0 {
		return nil
	}
	return dst[:n]
}

func decodeLZ4(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("decoded length %d, want %d", n, len(dst))
	}
	return nil
}
