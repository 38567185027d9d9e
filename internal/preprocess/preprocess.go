// Package preprocess turns raw image bytes into the normalized tensor consumed
// by the classifier. Training and serving both import this package; it is the
// only place the transform is defined.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"

	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when an image path does not exist.
	ErrNotFound = errors.New("image not found")
	// ErrDecode is returned when the input cannot be parsed as an image.
	ErrDecode = errors.New("image decode failed")
)

// interpolation must stay identical between training and serving.
const interpolation = resize.Bilinear

// DefaultMaxPixels bounds the decoded size of an input image.
const DefaultMaxPixels = 24_000_000

// Preprocessor decodes, converts, resizes and normalizes images.
type Preprocessor struct {
	logger    *zap.Logger
	maxPixels int64
}

// Option customises a Preprocessor.
type Option func(*Preprocessor)

// WithMaxPixels rejects images whose width times height exceeds n.
func WithMaxPixels(n int64) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New creates a Preprocessor that logs through logger.
func New(logger *zap.Logger, opts ...Option) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Preprocessor{logger: logger.Named("preprocess"), maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromFile reads and preprocesses the image stored at path.
func (p *Preprocessor) FromFile(path string) (*Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	tensor, err := p.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tensor, nil
}

// FromReader drains r and preprocesses its content.
func (p *Preprocessor) FromReader(r io.Reader) (*Tensor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return p.FromBytes(data)
}

// FromBytes preprocesses an encoded JPEG or PNG image. The header is checked
// against the pixel limit before any pixel data is decoded.
func (p *Preprocessor) FromBytes(data []byte) (*Tensor, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d %s image exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, format, p.maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	rgb := toOpaqueNRGBA(img)
	resized := resize.Resize(Width, Height, rgb, interpolation)

	tensor, err := normalize(resized)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("image preprocessed",
		zap.String("format", format),
		zap.Int("source_width", bounds.Dx()),
		zap.Int("source_height", bounds.Dy()),
	)
	return tensor, nil
}

// toOpaqueNRGBA copies img into a zero-origin RGB grid with alpha dropped.
// Color values are kept as stored in the file, the way a color-only decode
// reads them, so transparency never darkens a pixel before resizing.
func toOpaqueNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			from := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*w], src.Pix[from:from+4*w])
		}
	case *image.NRGBA64:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := src.NRGBA64At(b.Min.X+x, b.Min.Y+y)
				dst.SetNRGBA(x, y, color.NRGBA{R: uint8(c.R >> 8), G: uint8(c.G >> 8), B: uint8(c.B >> 8)})
			}
		}
	case *image.Paletted:
		palette := make([]color.NRGBA, len(src.Palette))
		for i, c := range src.Palette {
			palette[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if idx := int(src.ColorIndexAt(b.Min.X+x, b.Min.Y+y)); idx < len(palette) {
					dst.SetNRGBA(x, y, palette[idx])
				}
			}
		}
	default:
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	}

	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// normalize reads the 64x64 grid into HWC order and scales channels to [0, 1].
func normalize(img image.Image) (*Tensor, error) {
	b := img.Bounds()
	if b.Dx() != Width || b.Dy() != Height {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", b.Dx(), b.Dy(), Width, Height)
	}

	tensor := NewTensor()
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*Width + x) * Channels
			tensor.Data[i] = float32(c.R) / 255.0
			tensor.Data[i+1] = float32(c.G) / 255.0
			tensor.Data[i+2] = float32(c.B) / 255.0
		}
	}
	return tensor, nil
}
