package alpaca

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageBytesRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		data         []int32
		transmission ImageElementType
	}{
		{"16 bit samples", []int32{0, 1, 2, 65535, 1000, 42}, ElementUInt16},
		{"negative samples", []int32{-5, 1, 2, 3, 4, 5}, ElementInt32},
		{"wide samples", []int32{70000, 1, 2, 3, 4, 5}, ElementInt32},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img := &Image{ElementType: ElementInt32, Rank: 2, Width: 3, Height: 2, Planes: 1, Data: tc.data}
			payload := EncodeImageBytes(img, 9, 10)

			assert.Equal(t, int32(tc.transmission), int32(binary.LittleEndian.Uint32(payload[24:28])))

			decoded, err := DecodeImageBytes(payload)
			require.NoError(t, err)
			assert.Equal(t, 3, decoded.Width)
			assert.Equal(t, 2, decoded.Height)
			assert.Equal(t, tc.data, decoded.Data)
			assert.Equal(t, tc.data[1*2+1], decoded.At(1, 1, 0))
		})
	}
}

func TestDecodeImageBytesHeader(t *testing.T) {
	h := imageBytesHeader{
		MetadataVersion:         1,
		ClientTransactionID:     3,
		ServerTransactionID:     4,
		DataStart:               imageBytesHeaderSize,
		ImageElementType:        int32(ElementInt32),
		TransmissionElementType: int32(ElementByte),
		Rank:                    3,
		Dimension1:              2,
		Dimension2:              1,
		Dimension3:              3,
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, h))
	require.Equal(t, imageBytesHeaderSize, buf.Len())
	buf.Write([]byte{1, 2, 3, 4, 5, 6})

	img, err := DecodeImageBytes(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 3, img.Planes)
	assert.Equal(t, int32(5), img.At(1, 0, 1))
}

func TestDecodeImageBytesErrors(t *testing.T) {
	_, err := DecodeImageBytes([]byte{1, 2, 3})
	assert.Error(t, err)

	payload := EncodeImageBytesError(ErrorInvalidOperation, "No image available", 1, 2)
	_, err = DecodeImageBytes(payload)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorInvalidOperation))
	assert.Contains(t, err.Error(), "No image available")

	img := &Image{Rank: 2, Width: 4, Height: 4, Planes: 1, Data: make([]int32, 16)}
	truncated := EncodeImageBytes(img, 1, 1)[:imageBytesHeaderSize+4]
	_, err = DecodeImageBytes(truncated)
	assert.Error(t, err)
}

func TestDecodeImageArray(t *testing.T) {
	body := []byte(`{"ErrorNumber":0,"ErrorMessage":"","Type":2,"Rank":2,"Value":[[1,2],[3,4],[5,6]]}`)
	img, err := decodeImageArray(body, "GET camera/0/imagearray")
	require.NoError(t, err)
	assert.Equal(t, 3, img.Width)
	assert.Equal(t, 2, img.Height)
	assert.Equal(t, int32(4), img.At(1, 1, 0))

	body = []byte(`{"ErrorNumber":1035,"ErrorMessage":"No image","Value":null}`)
	_, err = decodeImageArray(body, "GET camera/0/imagearray")
	assert.True(t, IsCode(err, ErrorInvalidOperation))
}
