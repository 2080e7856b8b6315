package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFooter() *Footer {
	return &Footer{
		DataStart:   HeaderSize,
		DataLength:  100,
		MetaStart:   116,
		MetaLength:  50,
		IndexStart:  166,
		IndexLength: 34,
		FileCount:   2,
		Version:     Version,
	}
}

func (f *Footer) objectSize() uint64 {
	return f.FooterStart() + FooterSize
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := EncodeHeader()
	require.Len(t, buf, HeaderSize)
	assert.Equal(t, []byte(HeaderMagic), buf[:8])
	require.NoError(t, DecodeHeader(buf))
}

func TestDecodeHeaderRefusals(t *testing.T) {
	t.Run("Truncated", func(t *testing.T) {
		err := DecodeHeader([]byte("DESH"))
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("BadMagic", func(t *testing.T) {
		buf := EncodeHeader()
		buf[0] ^= 0x01
		assert.ErrorIs(t, DecodeHeader(buf), ErrCorruptContainer)
	})

	t.Run("FutureVersion", func(t *testing.T) {
		buf := EncodeHeader()
		buf[8] = 2
		assert.ErrorIs(t, DecodeHeader(buf), ErrUnsupportedVersion)
	})
}

func TestFooterRoundTrip(t *testing.T) {
	want := validFooter()
	buf := EncodeFooter(want)
	require.Len(t, buf, FooterSize)

	got, err := DecodeFooter(buf, want.objectSize())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(200), got.FooterStart())
}

func TestDecodeFooterRefusals(t *testing.T) {
	f := validFooter()

	t.Run("WrongLength", func(t *testing.T) {
		_, err := DecodeFooter(make([]byte, FooterSize-1), 0)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("BadMagic", func(t *testing.T) {
		buf := EncodeFooter(f)
		buf[FooterSize-1] ^= 0x01
		_, err := DecodeFooter(buf, f.objectSize())
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("FutureVersion", func(t *testing.T) {
		buf := EncodeFooter(f)
		buf[56] = 9
		_, err := DecodeFooter(buf, f.objectSize())
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("DataNotAfterHeader", func(t *testing.T) {
		bad := *f
		bad.DataStart = 32
		_, err := DecodeFooter(EncodeFooter(&bad), bad.objectSize())
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("MetaGap", func(t *testing.T) {
		bad := *f
		bad.MetaStart++
		_, err := DecodeFooter(EncodeFooter(&bad), f.objectSize())
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("IndexGap", func(t *testing.T) {
		bad := *f
		bad.IndexStart++
		_, err := DecodeFooter(EncodeFooter(&bad), f.objectSize())
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("FooterDoesNotCloseObject", func(t *testing.T) {
		_, err := DecodeFooter(EncodeFooter(f), f.objectSize()+1)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("ZeroObjectSizeSkipsClosureCheck", func(t *testing.T) {
		_, err := DecodeFooter(EncodeFooter(f), 0)
		assert.NoError(t, err)
	})

	t.Run("WrappedRegionLengths", func(t *testing.T) {
		// The chain tiles mod 2^64 and the footer "closes" a 96 byte
		// object, yet data_length claims nearly the whole address space.
		// meta_start and index_start are the wrapped sums of the regions
		// before them; index_start lands back on HeaderSize.
		bad := Footer{
			DataStart:   HeaderSize,
			DataLength:  ^uint64(0) - 99,
			MetaStart:   ^uint64(0) - 83,
			MetaLength:  100,
			IndexStart:  HeaderSize,
			IndexLength: 0,
			Version:     Version,
		}
		_, err := DecodeFooter(EncodeFooter(&bad), HeaderSize+FooterSize)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("ObjectSmallerThanFraming", func(t *testing.T) {
		bad := *f
		bad.DataLength = 0
		bad.MetaStart = HeaderSize
		bad.MetaLength = 0
		bad.IndexStart = HeaderSize
		bad.IndexLength = 0
		_, err := DecodeFooter(EncodeFooter(&bad), FooterSize)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})
}

func TestIndexRoundTrip(t *testing.T) {
	entries := []IndexEntry{
		{Name: "a.dcm", DataOffset: 16, DataLength: 100, MetaOffset: 120, MetaLength: 40},
		{Name: "big.bin", MetaOffset: 164, MetaLength: 60, Flags: FlagExternal},
	}

	var buf []byte
	for i := range entries {
		buf = AppendEntry(buf, &entries[i])
	}
	assert.Len(t, buf, entries[0].EncodedSize()+entries[1].EncodedSize())

	got, err := DecodeIndex(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	assert.False(t, got[0].External())
	assert.True(t, got[1].External())
}

func TestDecodeIndexRefusals(t *testing.T) {
	var buf []byte
	buf = AppendEntry(buf, &IndexEntry{Name: "a", DataOffset: 16, DataLength: 4})

	t.Run("CountMismatch", func(t *testing.T) {
		_, err := DecodeIndex(buf, 2)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("TruncatedEntry", func(t *testing.T) {
		_, err := DecodeIndex(buf[:len(buf)-5], 1)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("TruncatedLengthPrefix", func(t *testing.T) {
		_, err := DecodeIndex([]byte{0x01}, 1)
		assert.ErrorIs(t, err, ErrCorruptContainer)
	})

	t.Run("Empty", func(t *testing.T) {
		got, err := DecodeIndex(nil, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestValidateName(t *testing.T) {
	valid := []string{
		"study.dcm",
		"a",
		"CT_2025-01-15_001.dcm",
		"äöü.bin",
		strings.Repeat("x", MaxNameLength),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), "name %q", name)
	}

	invalid := []string{
		"",
		strings.Repeat("x", MaxNameLength+1),
		"a/b.dcm",
		`a\b.dcm`,
		"..secret",
		"a..b",
		"nul\x00byte",
		" leading",
		"trailing ",
		string([]byte{0xff, 0xfe}),
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, "name %q", name)
	}
}
