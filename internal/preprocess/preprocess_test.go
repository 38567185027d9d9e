package preprocess

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFromBytesShapeAndRange(t *testing.T) {
	p := New(zap.NewNop())

	for name, data := range map[string][]byte{
		"png":  encodePNG(t, gradient(120, 90)),
		"jpeg": encodeJPEG(t, gradient(37, 211)),
	} {
		t.Run(name, func(t *testing.T) {
			tensor, err := p.FromBytes(data)
			require.NoError(t, err)
			require.NoError(t, tensor.Validate())
			assert.Equal(t, [3]int{64, 64, 3}, tensor.Shape())
			for i, v := range tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("value %d out of range: %f", i, v)
				}
			}
		})
	}
}

func TestFromBytesIsDeterministic(t *testing.T) {
	p := New(zap.NewNop())
	data := encodeJPEG(t, gradient(100, 100))

	first, err := p.FromBytes(data)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := p.FromBytes(data)
		require.NoError(t, err)
		require.Equal(t, first.Data, again.Data)
	}
}

func TestFromBytesKeepsRGBOrder(t *testing.T) {
	p := New(zap.NewNop())
	tensor, err := p.FromBytes(encodePNG(t, solid(80, 80, color.RGBA{R: 255, A: 255})))
	require.NoError(t, err)

	for _, pos := range [][2]int{{0, 0}, {31, 17}, {63, 63}} {
		assert.InDelta(t, 1.0, tensor.At(pos[0], pos[1], 0), 1e-6)
		assert.InDelta(t, 0.0, tensor.At(pos[0], pos[1], 1), 1e-6)
		assert.InDelta(t, 0.0, tensor.At(pos[0], pos[1], 2), 1e-6)
	}
}

func TestFromBytesGrayscaleReplicatesChannels(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	tensor, err := New(nil).FromBytes(encodePNG(t, img))
	require.NoError(t, err)

	want := float32(128) / 255.0
	assert.InDelta(t, want, tensor.At(10, 10, 0), 1e-6)
	assert.InDelta(t, want, tensor.At(10, 10, 1), 1e-6)
	assert.InDelta(t, want, tensor.At(10, 10, 2), 1e-6)
}

func TestFromBytesIgnoresAlpha(t *testing.T) {
	p := New(zap.NewNop())

	cases := map[string]struct {
		pixel color.NRGBA
	}{
		"fully transparent":  {pixel: color.NRGBA{R: 255, G: 128, B: 0, A: 0}},
		"nearly transparent": {pixel: color.NRGBA{R: 200, G: 100, B: 50, A: 3}},
		"half transparent":   {pixel: color.NRGBA{R: 10, G: 220, B: 90, A: 128}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
			for y := 0; y < 100; y++ {
				for x := 0; x < 100; x++ {
					img.SetNRGBA(x, y, tc.pixel)
				}
			}
			tensor, err := p.FromBytes(encodePNG(t, img))
			require.NoError(t, err)

			for _, pos := range [][2]int{{0, 0}, {40, 22}, {63, 63}} {
				assert.InDelta(t, float32(tc.pixel.R)/255.0, tensor.At(pos[0], pos[1], 0), 1e-6)
				assert.InDelta(t, float32(tc.pixel.G)/255.0, tensor.At(pos[0], pos[1], 1), 1e-6)
				assert.InDelta(t, float32(tc.pixel.B)/255.0, tensor.At(pos[0], pos[1], 2), 1e-6)
			}
		})
	}
}

func TestFromBytesIgnoresAlpha16Bit(t *testing.T) {
	img := image.NewNRGBA64(image.Rect(0, 0, 70, 70))
	for y := 0; y < 70; y++ {
		for x := 0; x < 70; x++ {
			img.SetNRGBA64(x, y, color.NRGBA64{R: 0xffff, G: 0x8080, B: 0x0000, A: 0})
		}
	}
	tensor, err := New(zap.NewNop()).FromBytes(encodePNG(t, img))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, tensor.At(5, 5, 0), 1e-6)
	assert.InDelta(t, float32(0x80)/255.0, tensor.At(5, 5, 1), 1e-6)
	assert.InDelta(t, 0.0, tensor.At(5, 5, 2), 1e-6)
}

func TestFromBytesRejectsOversizedImages(t *testing.T) {
	data := encodePNG(t, gradient(100, 100))

	_, err := New(zap.NewNop(), WithMaxPixels(100*100)).FromBytes(data)
	require.NoError(t, err)

	_, err = New(zap.NewNop(), WithMaxPixels(100*100-1)).FromBytes(data)
	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestFromBytesRejectsHugeHeaderBeforeDecoding(t *testing.T) {
	data := encodePNG(t, solid(1, 1, color.Gray{Y: 200}))
	// IHDR width and height follow the signature, chunk length and type.
	binary.BigEndian.PutUint32(data[16:20], 30000)
	binary.BigEndian.PutUint32(data[20:24], 30000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	_, err := New(zap.NewNop()).FromBytes(data)
	require.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "30000x30000")
}

func TestFromBytesBlackJPEG(t *testing.T) {
	tensor, err := New(zap.NewNop()).FromBytes(encodeJPEG(t, solid(100, 100, color.Black)))
	require.NoError(t, err)
	for _, v := range tensor.Data {
		assert.InDelta(t, 0.0, v, 0.02)
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	_, err := New(zap.NewNop()).FromBytes([]byte("definitely not an image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFromFile(t *testing.T) {
	p := New(zap.NewNop())
	data := encodePNG(t, gradient(70, 70))
	path := filepath.Join(t.TempDir(), "bird.png")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	fromFile, err := p.FromFile(path)
	require.NoError(t, err)
	fromBytes, err := p.FromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, fromBytes.Data, fromFile.Data)

	fromReader, err := p.FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, fromBytes.Data, fromReader.Data)
}

func TestFromFileMissing(t *testing.T) {
	_, err := New(zap.NewNop()).FromFile(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromFileUndecodable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0x00}, 0o600))

	_, err := New(zap.NewNop()).FromFile(path)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFilled(t *testing.T) {
	tensor := Filled(1)
	require.NoError(t, tensor.Validate())
	assert.Equal(t, float32(1), tensor.At(63, 63, 2))
	assert.Error(t, (&Tensor{Data: make([]float32, 3)}).Validate())
}
