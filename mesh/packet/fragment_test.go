package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentFrameRoundTrip(t *testing.T) {
	f := &FragmentFrame{
		Index:        1,
		Total:        3,
		OriginalType: TypeMessage,
		Data:         []byte("middle chunk"),
	}
	copy(f.FragmentID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	b := EncodeFragment(f)
	got, err := DecodeFragment(b)
	require.NoError(t, err)

	assert.Equal(t, f.FragmentID, got.FragmentID)
	assert.Equal(t, f.Index, got.Index)
	assert.Equal(t, f.Total, got.Total)
	assert.Equal(t, f.OriginalType, got.OriginalType)
	assert.Equal(t, f.Data, got.Data)
}

func TestDecodeFragmentTruncated(t *testing.T) {
	f := &FragmentFrame{Index: 0, Total: 1, OriginalType: TypeMessage, Data: []byte("x")}
	b := EncodeFragment(f)
	_, err := DecodeFragment(b[:len(b)-5])
	assert.ErrorIs(t, err, ErrTruncatedInput)
}
