// Package compression frames and compresses index snapshots.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Codec identifies the compression applied to a frame.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecS2
	CodecLZ4
)

var codecNames = [...]string{"none", "s2", "lz4"}

func (c Codec) String() string {
	if int(c) < len(codecNames) {
		return codecNames[c]
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

var (
	ErrUnknownCodec = errors.New("unknown compression codec")
	ErrCorrupt      = errors.New("corrupt compressed frame")
)

// ParseCodec maps a codec name ("none", "s2", "lz4") to its Codec.
func ParseCodec(name string) (Codec, error) {
	for i, n := range codecNames {
		if strings.EqualFold(name, n) {
			return Codec(i), nil
		}
	}
	return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// maxFrameLen bounds the decoded size accepted from a frame header.
const maxFrameLen = 1 << 30

// Encode compresses src into a self-describing frame: the codec byte, the
// uvarint length of src and the payload. Data that does not shrink is
// stored uncompressed.
func Encode(codec Codec, src []byte) ([]byte, error) {
	var payload []byte
	switch codec {
	case CodecNone:
	case CodecS2:
		payload = encodeS2(src)
	case CodecLZ4:
		payload = encodeLZ4(src)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}
	if payload == nil || len(payload) >= len(src) {
		codec, payload = CodecNone, src
	}
	frame := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	frame = append(frame, byte(codec))
	frame = binary.AppendUvarint(frame, uint64(len(src)))
	return append(frame, payload...), nil
}

// Decode returns the data held by a frame produced by Encode.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: %d byte frame", ErrCorrupt, len(frame))
	}
	codec := Codec(frame[0])
	n, sz := binary.Uvarint(frame[1:])
	if sz <= 0 || n > maxFrameLen {
		return nil, fmt.Errorf("%w: bad length header", ErrCorrupt)
	}
	payload := frame[1+sz:]
	dst := make([]byte, n)
	var err error
	switch codec {
	case CodecNone:
		if uint64(len(payload)) != n {
			return nil, fmt.Errorf("%w: stored %d bytes, header says %d", ErrCorrupt, len(payload), n)
		}
		copy(dst, payload)
	case CodecS2:
		err = decodeS2(dst, payload)
	case CodecLZ4:
		err = decodeLZ4(dst, payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, codec, err)
	}
	return dst, nil
}
