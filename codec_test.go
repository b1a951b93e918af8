package imagecache

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBytesCodec(t *testing.T) {
	data := []byte("abc")
	v, err := BytesCodec{}.Decode(data)
	require.NoError(t, err)
	data[0] = 'x'
	assert.Equal(t, []byte("abc"), v, "decoded value must not alias the input")
	assert.Equal(t, int64(3), BytesCodec{}.SizeOf(v))
}

func TestImageCodec(t *testing.T) {
	img, err := ImageCodec{}.Decode(encodePNG(t, 10, 5))
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, int64(10*5*4), ImageCodec{}.SizeOf(img))

	_, err = ImageCodec{}.Decode([]byte("GIF89a but not really"))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestRawImageCodec(t *testing.T) {
	data := encodePNG(t, 3, 7)
	raw, err := RawImageCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", raw.Format)
	assert.Equal(t, 3, raw.Width)
	assert.Equal(t, 7, raw.Height)
	assert.Equal(t, data, raw.Data)
	assert.Equal(t, int64(len(data)), RawImageCodec{}.SizeOf(raw))

	_, err = RawImageCodec{}.Decode(nil)
	assert.ErrorIs(t, err, ErrUndecodable)
}
