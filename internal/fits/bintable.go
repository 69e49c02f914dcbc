package fits

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Column is one field of a binary table. Data holds the cells
// column-major as []bool, []int16, []int32, []float32, []float64, or
// []string; numeric and logical columns with a repeat count above one
// store repeat elements per row, flattened row by row. String columns
// hold one string per row and the repeat count is the padded width.
type Column struct {
	Name   string
	Format string // TFORM, e.g. "1J", "16A", "3D"
	Unit   string
	Data   any
}

// BinTable is a BINTABLE extension.
type BinTable struct {
	Name    string // EXTNAME
	Header  *Header
	Rows    int
	Columns []Column
}

// Column returns the named column.
func (t *BinTable) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Floats returns a float64 column's cells, converting a float32 column.
func (t *BinTable) Floats(name string) ([]float64, error) {
	col, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("table %s: no column %s", t.Name, name)
	}
	switch d := col.Data.(type) {
	case []float64:
		return d, nil
	case []float32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("table %s: column %s is not floating point", t.Name, name)
}

// parseTForm splits a TFORM value into its repeat count and type letter.
func parseTForm(tform string) (int, byte, error) {
	s := strings.TrimSpace(tform)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	repeat := 1
	if i > 0 {
		var err error
		repeat, err = strconv.Atoi(s[:i])
		if err != nil {
			return 0, 0, fmt.Errorf("bad TFORM %q", tform)
		}
	}
	if i >= len(s) {
		return 0, 0, fmt.Errorf("bad TFORM %q", tform)
	}
	return repeat, s[i], nil
}

// elemSize returns the byte width of one element of a column type.
func elemSize(typ byte) (int, error) {
	switch typ {
	case 'L', 'A', 'B':
		return 1, nil
	case 'I':
		return 2, nil
	case 'J', 'E':
		return 4, nil
	case 'K', 'D':
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported column type %c", typ)
}

// encode renders the table extension: required cards, per-column cards,
// caller cards, END, then row-major big-endian cells.
func (t *BinTable) encode() ([]byte, error) {
	rowBytes := 0
	repeats := make([]int, len(t.Columns))
	types := make([]byte, len(t.Columns))
	for i, col := range t.Columns {
		repeat, typ, err := parseTForm(col.Format)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		size, err := elemSize(typ)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		if err := checkColumnLength(col, typ, repeat, t.Rows); err != nil {
			return nil, err
		}
		repeats[i] = repeat
		types[i] = typ
		rowBytes += repeat * size
	}

	hdr := NewHeader()
	hdr.Set("XTENSION", "BINTABLE", "binary table extension")
	hdr.Set("BITPIX", int64(8), "8-bit bytes")
	hdr.Set("NAXIS", int64(2), "2-dimensional table")
	hdr.Set("NAXIS1", int64(rowBytes), "width of table in bytes")
	hdr.Set("NAXIS2", int64(t.Rows), "number of rows")
	hdr.Set("PCOUNT", int64(0), "size of special data area")
	hdr.Set("GCOUNT", int64(1), "one data group")
	hdr.Set("TFIELDS", int64(len(t.Columns)), "number of fields per row")
	for i, col := range t.Columns {
		hdr.Set(fmt.Sprintf("TTYPE%d", i+1), col.Name, "")
		hdr.Set(fmt.Sprintf("TFORM%d", i+1), col.Format, "")
		if col.Unit != "" {
			hdr.Set(fmt.Sprintf("TUNIT%d", i+1), col.Unit, "")
		}
	}
	if t.Name != "" {
		hdr.Set("EXTNAME", t.Name, "extension name")
	}
	if t.Header != nil {
		for _, c := range t.Header.Cards() {
			if structuralKeyword(c.Keyword) {
				continue
			}
			if c.Keyword == "EXTNAME" && t.Name != "" {
				continue
			}
			hdr.Append(c)
		}
	}

	out := hdr.encode()
	for r := 0; r < t.Rows; r++ {
		for i, col := range t.Columns {
			cell, err := encodeCell(col, types[i], repeats[i], r)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", col.Name, r, err)
			}
			out = append(out, cell...)
		}
	}
	return padTo(out, 0), nil
}

func checkColumnLength(col Column, typ byte, repeat, rows int) error {
	want := rows * repeat
	var got int
	switch d := col.Data.(type) {
	case []string:
		if typ != 'A' {
			return fmt.Errorf("column %s: string data needs an A format", col.Name)
		}
		got, want = len(d), rows
	case []bool:
		got = len(d)
	case []int16:
		got = len(d)
	case []int32:
		got = len(d)
	case []float32:
		got = len(d)
	case []float64:
		got = len(d)
	default:
		return fmt.Errorf("column %s: unsupported data type %T", col.Name, col.Data)
	}
	if got != want {
		return fmt.Errorf("column %s: %d cells, want %d", col.Name, got, want)
	}
	return nil
}

// encodeCell renders one row's worth of one column.
func encodeCell(col Column, typ byte, repeat, row int) ([]byte, error) {
	switch d := col.Data.(type) {
	case []string:
		s := d[row]
		if len(s) > repeat {
			s = s[:repeat]
		}
		cell := make([]byte, repeat)
		copy(cell, s)
		for i := len(s); i < repeat; i++ {
			cell[i] = ' '
		}
		return cell, nil
	case []bool:
		cell := make([]byte, repeat)
		for k := 0; k < repeat; k++ {
			if d[row*repeat+k] {
				cell[k] = 'T'
			} else {
				cell[k] = 'F'
			}
		}
		return cell, nil
	case []int16:
		if typ == 'B' {
			cell := make([]byte, repeat)
			for k := 0; k < repeat; k++ {
				cell[k] = byte(d[row*repeat+k])
			}
			return cell, nil
		}
		cell := make([]byte, 2*repeat)
		for k := 0; k < repeat; k++ {
			binary.BigEndian.PutUint16(cell[2*k:], uint16(d[row*repeat+k]))
		}
		return cell, nil
	case []int32:
		cell := make([]byte, 4*repeat)
		for k := 0; k < repeat; k++ {
			binary.BigEndian.PutUint32(cell[4*k:], uint32(d[row*repeat+k]))
		}
		return cell, nil
	case []float32:
		cell := make([]byte, 4*repeat)
		for k := 0; k < repeat; k++ {
			binary.BigEndian.PutUint32(cell[4*k:], math.Float32bits(d[row*repeat+k]))
		}
		return cell, nil
	case []float64:
		cell := make([]byte, 8*repeat)
		for k := 0; k < repeat; k++ {
			v := d[row*repeat+k]
			if typ == 'K' {
				binary.BigEndian.PutUint64(cell[8*k:], uint64(int64(v)))
				continue
			}
			binary.BigEndian.PutUint64(cell[8*k:], math.Float64bits(v))
		}
		return cell, nil
	}
	return nil, fmt.Errorf("unsupported data type %T", col.Data)
}

// decodeBinTable reads the rows that follow an already-parsed BINTABLE
// header and returns the block-aligned byte count consumed.
func decodeBinTable(h *Header, data []byte) (*BinTable, int, error) {
	rowBytes, ok := h.Int("NAXIS1")
	if !ok {
		return nil, 0, fmt.Errorf("missing NAXIS1")
	}
	rows, ok := h.Int("NAXIS2")
	if !ok {
		return nil, 0, fmt.Errorf("missing NAXIS2")
	}
	nfields, ok := h.Int("TFIELDS")
	if !ok {
		return nil, 0, fmt.Errorf("missing TFIELDS")
	}

	t := &BinTable{Header: h, Rows: int(rows)}
	t.Name, _ = h.Str("EXTNAME")

	repeats := make([]int, nfields)
	types := make([]byte, nfields)
	sizes := make([]int, nfields)
	width := 0
	for i := int64(1); i <= nfields; i++ {
		tform, ok := h.Str(fmt.Sprintf("TFORM%d", i))
		if !ok {
			return nil, 0, fmt.Errorf("missing TFORM%d", i)
		}
		repeat, typ, err := parseTForm(tform)
		if err != nil {
			return nil, 0, err
		}
		size, err := elemSize(typ)
		if err != nil {
			return nil, 0, fmt.Errorf("TFORM%d: %w", i, err)
		}

		name, _ := h.Str(fmt.Sprintf("TTYPE%d", i))
		unit, _ := h.Str(fmt.Sprintf("TUNIT%d", i))
		col := Column{Name: name, Format: tform, Unit: unit}
		switch typ {
		case 'A':
			col.Data = make([]string, rows)
		case 'L':
			col.Data = make([]bool, int(rows)*repeat)
		case 'B':
			col.Data = make([]int16, int(rows)*repeat)
		case 'I':
			col.Data = make([]int16, int(rows)*repeat)
		case 'J':
			col.Data = make([]int32, int(rows)*repeat)
		case 'K':
			col.Data = make([]float64, int(rows)*repeat)
		case 'E':
			col.Data = make([]float32, int(rows)*repeat)
		case 'D':
			col.Data = make([]float64, int(rows)*repeat)
		}
		t.Columns = append(t.Columns, col)

		repeats[i-1] = repeat
		types[i-1] = typ
		sizes[i-1] = size
		width += repeat * size
	}
	if width != int(rowBytes) {
		return nil, 0, fmt.Errorf("fields span %d bytes but NAXIS1 is %d", width, rowBytes)
	}

	total := int(rows) * int(rowBytes)
	if total > len(data) {
		return nil, 0, fmt.Errorf("truncated table: need %d bytes, have %d", total, len(data))
	}

	for r := 0; r < int(rows); r++ {
		cell := data[r*int(rowBytes):]
		for i := range t.Columns {
			decodeCell(&t.Columns[i], types[i], repeats[i], r, cell)
			cell = cell[repeats[i]*sizes[i]:]
		}
	}

	pcount, _ := h.Int("PCOUNT")
	return t, padLength(total + int(pcount)), nil
}

// decodeCell fills one row's worth of one column from raw bytes.
func decodeCell(col *Column, typ byte, repeat, row int, raw []byte) {
	switch d := col.Data.(type) {
	case []string:
		d[row] = strings.TrimRight(string(raw[:repeat]), " \x00")
	case []bool:
		for k := 0; k < repeat; k++ {
			d[row*repeat+k] = raw[k] == 'T'
		}
	case []int16:
		if typ == 'B' {
			for k := 0; k < repeat; k++ {
				d[row*repeat+k] = int16(raw[k])
			}
			return
		}
		for k := 0; k < repeat; k++ {
			d[row*repeat+k] = int16(binary.BigEndian.Uint16(raw[2*k:]))
		}
	case []int32:
		for k := 0; k < repeat; k++ {
			d[row*repeat+k] = int32(binary.BigEndian.Uint32(raw[4*k:]))
		}
	case []float32:
		for k := 0; k < repeat; k++ {
			d[row*repeat+k] = math.Float32frombits(binary.BigEndian.Uint32(raw[4*k:]))
		}
	case []float64:
		if typ == 'K' {
			for k := 0; k < repeat; k++ {
				d[row*repeat+k] = float64(int64(binary.BigEndian.Uint64(raw[8*k:])))
			}
			return
		}
		for k := 0; k < repeat; k++ {
			d[row*repeat+k] = math.Float64frombits(binary.BigEndian.Uint64(raw[8*k:]))
		}
	}
}
