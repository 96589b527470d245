package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func snapshotLike() []byte {
	// Mostly zero bitmap words with a few set bits, like an index backup.
	buf := make([]byte, 64<<10)
	for i := 0; i < len(buf); i += 977 {
		buf[i] = byte(i)
	}
	return buf
}

func TestEncodeDecode(t *testing.T) {
	src := snapshotLike()
	for _, codec := range []Codec{CodecNone, CodecS2, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			frame, err := Encode(codec, src)
			require.NoError(t, err)
			require.Equal(t, byte(codec), frame[0])
			if codec != CodecNone {
				require.Less(t, len(frame), len(src)/4)
			}
			got, err := Decode(frame)
			require.NoError(t, err)
			require.True(t, bytes.Equal(src, got))
		})
	}
}

func TestEncode_IncompressibleStoredRaw(t *testing.T) {
	src := []byte("abc")
	frame, err := Encode(CodecLZ4, src)
	require.NoError(t, err)
	require.Equal(t, byte(CodecNone), frame[0])
	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, src, got)
}

func TestDecode_Corrupt(t *testing.T) {
	frame, err := Encode(CodecS2, snapshotLike())
	require.NoError(t, err)

	_, err = Decode(frame[:1])
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(frame[:len(frame)/2])
	require.ErrorIs(t, err, ErrCorrupt)

	bad := append([]byte(nil), frame...)
	bad[0] = 9
	_, err = Decode(bad)
	require.ErrorIs(t, err, ErrUnknownCodec)

	raw, err := Encode(CodecNone, []byte("hello"))
	require.NoError(t, err)
	_, err = Decode(raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("LZ4")
	require.NoError(t, err)
	require.Equal(t, CodecLZ4, c)
	_, err = ParseCodec("zstd")
	require.ErrorIs(t, err, ErrUnknownCodec)
}
