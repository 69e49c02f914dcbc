package oifits

import (
	"fmt"

	"github.com/aperture-data/fringe.report/internal/fits"
	"github.com/aperture-data/fringe.report/internal/fsutil"
)

// Station is one OI_ARRAY row.
type Station struct {
	TelName  string
	StaName  string
	Index    int
	Diameter float64
	XYZ      [3]float64
}

// Vis2Entry is one OI_VIS2 row.
type Vis2Entry struct {
	StaIndex [2]int
	Vis2     float64
	Err      float64
	UCoord   float64
	VCoord   float64
	MJD      float64
	Flag     bool
}

// T3Entry is one OI_T3 row. Phi and PhiErr are degrees, the format's
// own unit.
type T3Entry struct {
	StaIndex [3]int
	Phi      float64
	PhiErr   float64
	U1, V1   float64
	U2, V2   float64
	MJD      float64
	Flag     bool
}

// File is the exchange subset the pipeline reads back: enough for
// round-trip verification and the downstream analysis handoff.
type File struct {
	Target    string
	ArrayName string
	InsName   string
	DateObs   string
	Stations  []Station
	EffWave   float64
	EffBand   float64
	Vis2      []Vis2Entry
	T3        []T3Entry
}

// Read parses an exchange file written by Write (or any producer using
// the same table subset).
func Read(fsys fsutil.FileSystem, path string) (*File, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := fits.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	out := &File{}
	if pri := f.Primary(); pri != nil {
		out.Target, _ = pri.Header.Str("OBJECT")
		out.DateObs, _ = pri.Header.Str("DATE-OBS")
	}

	if err := out.readArray(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := out.readWavelength(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := out.readVis2(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := out.readT3(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if hdu, ok := f.ByName("OI_TARGET"); ok && hdu.Table != nil {
		if col, ok := hdu.Table.Column("TARGET"); ok {
			if names, ok := col.Data.([]string); ok && len(names) > 0 {
				out.Target = names[0]
			}
		}
	}
	return out, nil
}

func mustTable(f *fits.File, name string) (*fits.BinTable, error) {
	hdu, ok := f.ByName(name)
	if !ok || hdu.Table == nil {
		return nil, fmt.Errorf("no %s table", name)
	}
	return hdu.Table, nil
}

func (out *File) readArray(f *fits.File) error {
	t, err := mustTable(f, "OI_ARRAY")
	if err != nil {
		return err
	}
	out.ArrayName, _ = t.Header.Str("ARRNAME")

	tel, _ := stringColumn(t, "TEL_NAME")
	sta, _ := stringColumn(t, "STA_NAME")
	idx, err := intColumn(t, "STA_INDEX")
	if err != nil {
		return err
	}
	dia, err := t.Floats("DIAMETER")
	if err != nil {
		return err
	}
	xyz, err := t.Floats("STAXYZ")
	if err != nil {
		return err
	}
	if len(xyz) != 3*t.Rows {
		return fmt.Errorf("STAXYZ has %d values for %d stations", len(xyz), t.Rows)
	}

	out.Stations = make([]Station, t.Rows)
	for i := 0; i < t.Rows; i++ {
		s := Station{Index: idx[i], Diameter: dia[i]}
		if tel != nil {
			s.TelName = tel[i]
		}
		if sta != nil {
			s.StaName = sta[i]
		}
		copy(s.XYZ[:], xyz[3*i:3*i+3])
		out.Stations[i] = s
	}
	return nil
}

func (out *File) readWavelength(f *fits.File) error {
	t, err := mustTable(f, "OI_WAVELENGTH")
	if err != nil {
		return err
	}
	out.InsName, _ = t.Header.Str("INSNAME")
	wave, err := t.Floats("EFF_WAVE")
	if err != nil {
		return err
	}
	band, err := t.Floats("EFF_BAND")
	if err != nil {
		return err
	}
	if len(wave) == 0 || len(band) == 0 {
		return fmt.Errorf("empty OI_WAVELENGTH table")
	}
	out.EffWave = wave[0]
	out.EffBand = band[0]
	return nil
}

func (out *File) readVis2(f *fits.File) error {
	t, err := mustTable(f, "OI_VIS2")
	if err != nil {
		return err
	}
	vis2, err := t.Floats("VIS2DATA")
	if err != nil {
		return err
	}
	vis2err, err := t.Floats("VIS2ERR")
	if err != nil {
		return err
	}
	ucoord, err := t.Floats("UCOORD")
	if err != nil {
		return err
	}
	vcoord, err := t.Floats("VCOORD")
	if err != nil {
		return err
	}
	mjd, err := t.Floats("MJD")
	if err != nil {
		return err
	}
	sta, err := intColumn(t, "STA_INDEX")
	if err != nil {
		return err
	}
	flag, err := boolColumn(t, "FLAG")
	if err != nil {
		return err
	}
	if len(sta) != 2*t.Rows {
		return fmt.Errorf("STA_INDEX has %d values for %d baselines", len(sta), t.Rows)
	}

	out.Vis2 = make([]Vis2Entry, t.Rows)
	for i := 0; i < t.Rows; i++ {
		out.Vis2[i] = Vis2Entry{
			StaIndex: [2]int{sta[2*i], sta[2*i+1]},
			Vis2:     vis2[i],
			Err:      vis2err[i],
			UCoord:   ucoord[i],
			VCoord:   vcoord[i],
			MJD:      mjd[i],
			Flag:     flag[i],
		}
	}
	return nil
}

func (out *File) readT3(f *fits.File) error {
	t, err := mustTable(f, "OI_T3")
	if err != nil {
		return err
	}
	phi, err := t.Floats("T3PHI")
	if err != nil {
		return err
	}
	phierr, err := t.Floats("T3PHIERR")
	if err != nil {
		return err
	}
	u1, err := t.Floats("U1COORD")
	if err != nil {
		return err
	}
	v1, err := t.Floats("V1COORD")
	if err != nil {
		return err
	}
	u2, err := t.Floats("U2COORD")
	if err != nil {
		return err
	}
	v2, err := t.Floats("V2COORD")
	if err != nil {
		return err
	}
	mjd, err := t.Floats("MJD")
	if err != nil {
		return err
	}
	sta, err := intColumn(t, "STA_INDEX")
	if err != nil {
		return err
	}
	flag, err := boolColumn(t, "FLAG")
	if err != nil {
		return err
	}
	if len(sta) != 3*t.Rows {
		return fmt.Errorf("STA_INDEX has %d values for %d triangles", len(sta), t.Rows)
	}

	out.T3 = make([]T3Entry, t.Rows)
	for i := 0; i < t.Rows; i++ {
		out.T3[i] = T3Entry{
			StaIndex: [3]int{sta[3*i], sta[3*i+1], sta[3*i+2]},
			Phi:      phi[i],
			PhiErr:   phierr[i],
			U1:       u1[i],
			V1:       v1[i],
			U2:       u2[i],
			V2:       v2[i],
			MJD:      mjd[i],
			Flag:     flag[i],
		}
	}
	return nil
}

func stringColumn(t *fits.BinTable, name string) ([]string, error) {
	col, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("no %s column", name)
	}
	s, ok := col.Data.([]string)
	if !ok {
		return nil, fmt.Errorf("column %s is not a string column", name)
	}
	return s, nil
}

func intColumn(t *fits.BinTable, name string) ([]int, error) {
	col, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("no %s column", name)
	}
	switch d := col.Data.(type) {
	case []int16:
		out := make([]int, len(d))
		for i, v := range d {
			out[i] = int(v)
		}
		return out, nil
	case []int32:
		out := make([]int, len(d))
		for i, v := range d {
			out[i] = int(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("column %s is not an integer column", name)
}

func boolColumn(t *fits.BinTable, name string) ([]bool, error) {
	col, ok := t.Column(name)
	if !ok {
		return nil, fmt.Errorf("no %s column", name)
	}
	b, ok := col.Data.([]bool)
	if !ok {
		return nil, fmt.Errorf("column %s is not a logical column", name)
	}
	return b, nil
}
