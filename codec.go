package imagecache

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/jmgilman/go/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned by Put when the codec rejects the bytes.
var ErrUndecodable = errors.New(errors.CodeInvalidInput, "undecodable image")

// Codec turns stored bytes into the value held in memory and tells the
// memory tier how much each value costs.
type Codec[V any] interface {
	Decode(data []byte) (V, error)
	SizeOf(v V) int64
}

// BytesCodec keeps the raw bytes.
type BytesCodec struct{}

func (BytesCodec) Decode(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

func (BytesCodec) SizeOf(v []byte) int64 {
	return int64(len(v))
}

// ImageCodec decodes to image.Image. A decoded image is charged as an
// uncompressed 32-bit bitmap, whatever its in-memory representation.
type ImageCodec struct{}

func (ImageCodec) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrUndecodable, errors.CodeInvalidInput, err.Error())
	}
	return img, nil
}

func (ImageCodec) SizeOf(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// RawImage is an encoded image whose header has been checked.
type RawImage struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// RawImageCodec validates the image header and keeps the encoded bytes,
// for callers that hand the bytes on rather than draw them.
type RawImageCodec struct{}

func (RawImageCodec) Decode(data []byte) (RawImage, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return RawImage{}, errors.Wrap(ErrUndecodable, errors.CodeInvalidInput, err.Error())
	}
	return RawImage{
		Data:   bytes.Clone(data),
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

func (RawImageCodec) SizeOf(img RawImage) int64 {
	return int64(len(img.Data))
}
