package fits

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Image is an n-dimensional numeric array HDU. Pixels are held as float64
// regardless of the on-disk BITPIX; Shape lists axis lengths slowest axis
// first, so a cube of S slices of H rows by W columns is [S, H, W].
type Image struct {
	Header *Header
	Bitpix int
	Shape  []int
	Pix    []float64
}

// NewImage builds an image HDU with a fresh header. A nil shape makes a
// dataless HDU, which is how a header-only primary is written.
func NewImage(bitpix int, shape []int, pix []float64) *Image {
	return &Image{Header: NewHeader(), Bitpix: bitpix, Shape: shape, Pix: pix}
}

// NPix returns the pixel count implied by Shape.
func (img *Image) NPix() int {
	if len(img.Shape) == 0 {
		return 0
	}
	n := 1
	for _, ax := range img.Shape {
		n *= ax
	}
	return n
}

// decodeImage reads the data array that follows an already-parsed image
// header and returns the block-aligned byte count consumed.
func decodeImage(h *Header, data []byte) (*Image, int, error) {
	bitpix, ok := h.Int("BITPIX")
	if !ok {
		return nil, 0, fmt.Errorf("missing BITPIX")
	}
	naxis, ok := h.Int("NAXIS")
	if !ok {
		return nil, 0, fmt.Errorf("missing NAXIS")
	}

	img := &Image{Header: h, Bitpix: int(bitpix)}
	if naxis == 0 {
		return img, 0, nil
	}

	// NAXISi runs fastest axis first; Shape is kept slowest first.
	img.Shape = make([]int, naxis)
	for i := int64(1); i <= naxis; i++ {
		ax, ok := h.Int(fmt.Sprintf("NAXIS%d", i))
		if !ok {
			return nil, 0, fmt.Errorf("missing NAXIS%d", i)
		}
		if ax < 0 {
			return nil, 0, fmt.Errorf("negative NAXIS%d", i)
		}
		img.Shape[naxis-i] = int(ax)
	}

	n := img.NPix()
	bpp := int(bitpix)
	if bpp < 0 {
		bpp = -bpp
	}
	bpp /= 8
	if bpp == 0 {
		return nil, 0, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	byteLen := n * bpp
	if byteLen > len(data) {
		return nil, 0, fmt.Errorf("truncated data: need %d bytes, have %d", byteLen, len(data))
	}

	bscale, hasScale := h.Float("BSCALE")
	bzero, hasZero := h.Float("BZERO")
	if !hasScale {
		bscale = 1
	}
	if !hasZero {
		bzero = 0
	}
	scaled := hasScale || hasZero

	img.Pix = make([]float64, n)
	for i := 0; i < n; i++ {
		cell := data[i*bpp:]
		var v float64
		switch bitpix {
		case 8:
			v = float64(cell[0])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(cell)))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(cell)))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(cell)))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(cell)))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(cell))
		default:
			return nil, 0, fmt.Errorf("unsupported BITPIX %d", bitpix)
		}
		if scaled {
			v = v*bscale + bzero
		}
		img.Pix[i] = v
	}

	return img, padLength(byteLen), nil
}

// encode renders the HDU: required cards, caller cards, END, then the
// big-endian data array.
func (img *Image) encode(primary, extend bool) ([]byte, error) {
	if got, want := len(img.Pix), img.NPix(); got != want {
		return nil, fmt.Errorf("pixel count %d does not match shape %v", got, img.Shape)
	}

	bitpix := img.Bitpix
	if bitpix == 0 {
		bitpix = -64
	}

	hdr := NewHeader()
	if primary {
		hdr.Set("SIMPLE", true, "conforms to FITS standard")
	} else {
		hdr.Set("XTENSION", "IMAGE", "image extension")
	}
	hdr.Set("BITPIX", int64(bitpix), "bits per data value")
	hdr.Set("NAXIS", int64(len(img.Shape)), "number of data axes")
	for i := range img.Shape {
		hdr.Set(fmt.Sprintf("NAXIS%d", i+1), int64(img.Shape[len(img.Shape)-1-i]), "")
	}
	if primary {
		if extend {
			hdr.Set("EXTEND", true, "extensions may follow")
		}
	} else {
		hdr.Set("PCOUNT", int64(0), "")
		hdr.Set("GCOUNT", int64(1), "")
	}
	if img.Header != nil {
		for _, c := range img.Header.Cards() {
			if !structuralKeyword(c.Keyword) {
				hdr.Append(c)
			}
		}
	}

	out := hdr.encode()

	switch bitpix {
	case 8:
		for _, v := range img.Pix {
			out = append(out, uint8(math.Round(v)))
		}
	case 16:
		var b [2]byte
		for _, v := range img.Pix {
			binary.BigEndian.PutUint16(b[:], uint16(int16(math.Round(v))))
			out = append(out, b[:]...)
		}
	case 32:
		var b [4]byte
		for _, v := range img.Pix {
			binary.BigEndian.PutUint32(b[:], uint32(int32(math.Round(v))))
			out = append(out, b[:]...)
		}
	case -32:
		var b [4]byte
		for _, v := range img.Pix {
			binary.BigEndian.PutUint32(b[:], math.Float32bits(float32(v)))
			out = append(out, b[:]...)
		}
	case -64:
		var b [8]byte
		for _, v := range img.Pix {
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			out = append(out, b[:]...)
		}
	default:
		return nil, fmt.Errorf("unsupported output BITPIX %d", bitpix)
	}

	return padTo(out, 0), nil
}

// structuralKeyword reports whether a keyword is written by the encoder
// itself and must not be copied from a caller-supplied header.
func structuralKeyword(kw string) bool {
	switch kw {
	case "SIMPLE", "XTENSION", "BITPIX", "NAXIS", "PCOUNT", "GCOUNT", "EXTEND", "TFIELDS", "END":
		return true
	}
	for _, prefix := range []string{"NAXIS", "TTYPE", "TFORM", "TUNIT"} {
		if strings.HasPrefix(kw, prefix) {
			return true
		}
	}
	return false
}
