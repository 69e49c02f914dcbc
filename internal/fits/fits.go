// Package fits reads and writes FITS (Flexible Image Transport System)
// containers: primary image HDUs, IMAGE extensions, and the BINTABLE
// extensions that carry interferometric exchange tables.
//
// A FITS file is a sequence of HDUs (header-data units). Each HDU starts
// with a header made of 80-character keyword cards packed into 2880-byte
// blocks and terminated by an END card. The data that follow are big-endian
// and zero-padded to the next 2880-byte boundary:
//
//	+------------------+
//	| header block(s)  |  80-char cards, space padded, END card last
//	+------------------+
//	| data block(s)    |  big-endian array or table rows, zero padded
//	+------------------+
//	| next HDU ...     |
//	+------------------+
//
// The first HDU must be an image (SIMPLE = T); extensions declare their
// type in XTENSION. Only IMAGE and BINTABLE extensions are decoded; other
// extension types are skipped using their declared size.
package fits

import (
	"fmt"
)

const (
	// BlockSize is the FITS record length. Headers and data are both
	// padded to a multiple of it.
	BlockSize = 2880

	// CardLength is the fixed length of one header card.
	CardLength = 80

	cardsPerBlock = BlockSize / CardLength
)

// HDU is one header-data unit. Exactly one of Image and Table is non-nil
// for decoded units that carry data; both are nil for a skipped extension
// of an unsupported type.
type HDU struct {
	Header *Header
	Image  *Image
	Table  *BinTable
}

// Name returns the HDU's EXTNAME, or "" for the primary HDU.
func (h *HDU) Name() string {
	name, _ := h.Header.Str("EXTNAME")
	return name
}

// File is a decoded FITS container.
type File struct {
	HDUs []*HDU
}

// Primary returns the first HDU, or nil for an empty file.
func (f *File) Primary() *HDU {
	if len(f.HDUs) == 0 {
		return nil
	}
	return f.HDUs[0]
}

// ByName returns the first HDU whose EXTNAME matches name.
func (f *File) ByName(name string) (*HDU, bool) {
	for _, h := range f.HDUs {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// Decode parses an entire FITS file.
func Decode(data []byte) (*File, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty FITS stream")
	}

	f := &File{}
	offset := 0
	for offset+BlockSize <= len(data) {
		if blankBlock(data[offset:]) {
			break
		}

		hdr, n, err := parseHeader(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("HDU %d header: %w", len(f.HDUs), err)
		}
		offset += n

		xtension, _ := hdr.Str("XTENSION")
		isPrimary := len(f.HDUs) == 0

		switch {
		case isPrimary || xtension == "IMAGE":
			img, n, err := decodeImage(hdr, data[offset:])
			if err != nil {
				return nil, fmt.Errorf("HDU %d image: %w", len(f.HDUs), err)
			}
			offset += n
			f.HDUs = append(f.HDUs, &HDU{Header: hdr, Image: img})

		case xtension == "BINTABLE":
			tbl, n, err := decodeBinTable(hdr, data[offset:])
			if err != nil {
				return nil, fmt.Errorf("HDU %d table: %w", len(f.HDUs), err)
			}
			offset += n
			f.HDUs = append(f.HDUs, &HDU{Header: hdr, Table: tbl})

		default:
			n, err := declaredDataSize(hdr)
			if err != nil {
				return nil, fmt.Errorf("HDU %d (%s): %w", len(f.HDUs), xtension, err)
			}
			offset += padLength(n)
			f.HDUs = append(f.HDUs, &HDU{Header: hdr})
		}
	}

	if len(f.HDUs) == 0 {
		return nil, fmt.Errorf("no HDUs found")
	}
	return f, nil
}

// Encode serializes the container. The first HDU is written as the
// primary; it must be an image (possibly with no data).
func (f *File) Encode() ([]byte, error) {
	if len(f.HDUs) == 0 {
		return nil, fmt.Errorf("no HDUs to encode")
	}
	if f.HDUs[0].Image == nil {
		return nil, fmt.Errorf("primary HDU must be an image")
	}

	var out []byte
	for i, h := range f.HDUs {
		var (
			chunk []byte
			err   error
		)
		switch {
		case h.Image != nil:
			chunk, err = h.Image.encode(i == 0, len(f.HDUs) > 1)
		case h.Table != nil:
			chunk, err = h.Table.encode()
		default:
			err = fmt.Errorf("neither image nor table")
		}
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", i, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// declaredDataSize computes an HDU's data length in bytes from its
// required keywords, before block padding.
func declaredDataSize(h *Header) (int, error) {
	bitpix, ok := h.Int("BITPIX")
	if !ok {
		return 0, fmt.Errorf("missing BITPIX")
	}
	naxis, ok := h.Int("NAXIS")
	if !ok {
		return 0, fmt.Errorf("missing NAXIS")
	}

	n := 1
	for i := int64(1); i <= naxis; i++ {
		ax, ok := h.Int(fmt.Sprintf("NAXIS%d", i))
		if !ok {
			return 0, fmt.Errorf("missing NAXIS%d", i)
		}
		n *= int(ax)
	}
	if naxis == 0 {
		n = 0
	}

	pcount, _ := h.Int("PCOUNT")
	gcount, ok := h.Int("GCOUNT")
	if !ok {
		gcount = 1
	}

	abs := bitpix
	if abs < 0 {
		abs = -abs
	}
	return int(abs) / 8 * int(gcount) * (int(pcount) + n), nil
}

// padLength rounds n up to a whole number of blocks.
func padLength(n int) int {
	if rem := n % BlockSize; rem != 0 {
		return n + BlockSize - rem
	}
	return n
}

// padTo appends fill bytes to reach a block boundary.
func padTo(data []byte, fill byte) []byte {
	for len(data)%BlockSize != 0 {
		data = append(data, fill)
	}
	return data
}

// blankBlock reports whether the block at the start of data holds no
// header card, which marks trailing padding rather than another HDU.
func blankBlock(data []byte) bool {
	for _, b := range data[:keywordLength] {
		if b != ' ' && b != 0 {
			return false
		}
	}
	return true
}
