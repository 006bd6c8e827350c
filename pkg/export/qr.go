package export

// QR codes for printed plans and the /qrpng endpoint, built on
// github.com/skip2/go-qrcode at ECC=H so a centre badge stays readable.

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	qrcode "github.com/skip2/go-qrcode"
)

// QROptions controls the rendered QR image.
type QROptions struct {
	SizePx int
	Fg     color.RGBA
	Bg     color.RGBA
	// Badge colours the centre marker; zero disables it.
	Badge color.RGBA
	// BadgeFrac is the centre box edge as a share of the image (0.15..0.30).
	BadgeFrac float64
}

// MaxQRPayload caps the encoded URL length in bytes. ECC level H holds
// 1273 bytes at most; the rest is margin.
const MaxQRPayload = 1200

// ErrQRPayloadTooLong rejects URLs that do not fit a level H code.
var ErrQRPayloadTooLong = errors.New("URL too long for a QR code")

// DefaultQROptions renders black on white with a lime-green centre dot.
func DefaultQROptions() QROptions {
	return QROptions{
		SizePx:    512,
		Fg:        color.RGBA{0, 0, 0, 255},
		Bg:        color.RGBA{255, 255, 255, 255},
		Badge:     color.RGBA{0x6b, 0xa5, 0x3a, 255},
		BadgeFrac: 0.22,
	}
}

func (o QROptions) normalized() QROptions {
	def := DefaultQROptions()
	if o.SizePx <= 0 {
		o.SizePx = def.SizePx
	}
	if o.SizePx > 2048 {
		o.SizePx = 2048
	}
	if (o.Fg == color.RGBA{}) {
		o.Fg = def.Fg
	}
	if (o.Bg == color.RGBA{}) {
		o.Bg = def.Bg
	}
	if o.BadgeFrac <= 0 {
		o.BadgeFrac = def.BadgeFrac
	}
	o.BadgeFrac = math.Max(0.15, math.Min(0.30, o.BadgeFrac))
	return o
}

// QRPNG writes url as a PNG QR code.
func QRPNG(w io.Writer, url string, opt QROptions) error {
	img, err := qrImage(url, opt)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

func qrImage(url string, opt QROptions) (*image.RGBA, error) {
	opt = opt.normalized()
	if len(url) > MaxQRPayload {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrQRPayloadTooLong, len(url), MaxQRPayload)
	}
	qr, err := qrcode.New(url, qrcode.Highest)
	if err != nil {
		return nil, err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.SizePx)
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	if (opt.Badge != color.RGBA{}) {
		w, h := b.Dx(), b.Dy()
		box := int(opt.BadgeFrac * float64(min(w, h)))
		box -= box % 2
		cx, cy := w/2, h/2
		fillRect(dst, cx-box/2, cy-box/2, box, box, opt.Bg)
		fillCircle(dst, cx, cy, int(0.42*float64(box)), opt.Badge)
	}
	return dst, nil
}

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	draw.Draw(img, image.Rect(x, y, x+w, y+h), &image.Uniform{C: col}, image.Point{}, draw.Src)
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	if r <= 0 {
		return
	}
	b := img.Bounds()
	for y := max(cy-r, b.Min.Y); y <= min(cy+r, b.Max.Y-1); y++ {
		dy := y - cy
		half := int(math.Sqrt(float64(r*r - dy*dy)))
		for x := max(cx-half, b.Min.X); x <= min(cx+half, b.Max.X-1); x++ {
			img.SetRGBA(x, y, col)
		}
	}
}
