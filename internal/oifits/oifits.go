// Package oifits writes and reads calibrated fringe observables in the
// optical-interferometry exchange format: an OI_ARRAY / OI_TARGET /
// OI_WAVELENGTH / OI_VIS2 / OI_T3 table stack in a single FITS file.
//
// This file is the pipeline's one externally consumed artifact, so the
// format's unit and flag conventions are preserved exactly: station
// coordinates and baseline (u,v) in meters, wavelengths in meters,
// closure phases in degrees, flags as FITS logical bytes.
package oifits

import (
	"fmt"
	"math"
	"time"

	"github.com/aperture-data/fringe.report/internal/fits"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/units"
)

// oiRevn is the table revision written to every OI extension.
const oiRevn = 2

// Metadata carries observation-level identifiers the calibrated set
// itself does not hold. Zero values fall back to the set's own fields.
type Metadata struct {
	ArrayName      string  // ARRNAME; defaults to the mask name
	InstrumentName string  // INSNAME; defaults to instrument_filter
	DateObs        string  // ISO date; defaults to the set's MJD
	ObjectRA       float64 // degrees
	ObjectDec      float64 // degrees
	IntTime        float64 // seconds per slice
	// PositionAngle rotates pupil hole coordinates into the sky frame,
	// degrees east of north. VParity sets the rotation direction; the
	// detector default is −1 (clockwise for positive angles).
	PositionAngle float64
	VParity       int
}

func (m Metadata) withDefaults(set *nrm.CalibratedSet) Metadata {
	if m.ArrayName == "" {
		m.ArrayName = set.Geometry.Name()
	}
	if m.InstrumentName == "" {
		m.InstrumentName = set.Instrument + "_" + set.Filter
	}
	if m.DateObs == "" {
		m.DateObs = dateFromMJD(set.MJD)
	}
	if m.VParity == 0 {
		m.VParity = -1
	}
	return m
}

// mjd 0 is 1858-11-17 UTC.
func dateFromMJD(mjd float64) string {
	epoch := time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)
	return epoch.Add(time.Duration(mjd * 24 * float64(time.Hour))).Format("2006-01-02")
}

// skyStations rotates the pupil hole centers into the sky frame by the
// position angle. Parity −1 flips the rotation direction.
func skyStations(geom *nrm.MaskGeometry, paDeg float64, vparity int) []nrm.Hole {
	angle := units.Deg2Rad(paDeg)
	if vparity < 0 {
		angle = -angle
	}
	sin, cos := math.Sincos(angle)
	holes := geom.Holes()
	out := make([]nrm.Hole, len(holes))
	for i, h := range holes {
		out[i] = nrm.Hole{
			X: cos*h.X - sin*h.Y,
			Y: sin*h.X + cos*h.Y,
		}
	}
	return out
}

// Write serializes a calibrated set to path. The write is atomic; an
// existing destination without overwrite is a *fsutil.ConflictError.
func Write(fsys fsutil.FileSystem, path string, set *nrm.CalibratedSet, meta Metadata, overwrite bool) error {
	if set.Geometry == nil {
		return fmt.Errorf("calibrated set has no geometry")
	}
	if err := fsutil.EnsureWritable(fsys, path, overwrite); err != nil {
		return err
	}
	meta = meta.withDefaults(set)

	sky := skyStations(set.Geometry, meta.PositionAngle, meta.VParity)

	file := &fits.File{}
	file.HDUs = append(file.HDUs, primaryHDU(set, meta))
	file.HDUs = append(file.HDUs, tableHDU(arrayTable(set, meta, sky)))
	file.HDUs = append(file.HDUs, tableHDU(targetTable(set, meta)))
	file.HDUs = append(file.HDUs, tableHDU(wavelengthTable(set, meta)))
	file.HDUs = append(file.HDUs, tableHDU(vis2Table(set, meta, sky)))
	file.HDUs = append(file.HDUs, tableHDU(t3Table(set, meta, sky)))

	data, err := file.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fsutil.WriteFileAtomic(fsys, path, data, 0o644)
}

func tableHDU(t *fits.BinTable) *fits.HDU {
	return &fits.HDU{Header: t.Header, Table: t}
}

func primaryHDU(set *nrm.CalibratedSet, meta Metadata) *fits.HDU {
	img := fits.NewImage(8, nil, nil)
	img.Header.Set("CONTENT", "OIFITS2", "exchange format revision")
	img.Header.Set("DATE-OBS", meta.DateObs, "")
	img.Header.Set("OBJECT", set.Target, "")
	img.Header.Set("INSTRUME", set.Instrument, "")
	return &fits.HDU{Header: img.Header, Image: img}
}

func oiHeader() *fits.Header {
	h := fits.NewHeader()
	h.Set("OI_REVN", oiRevn, "table revision")
	return h
}

func arrayTable(set *nrm.CalibratedSet, meta Metadata, sky []nrm.Hole) *fits.BinTable {
	n := len(sky)
	tel := make([]string, n)
	sta := make([]string, n)
	idx := make([]int16, n)
	dia := make([]float32, n)
	xyz := make([]float64, 3*n)
	for i, h := range sky {
		tel[i] = fmt.Sprintf("H%d", i)
		sta[i] = fmt.Sprintf("H%d", i)
		idx[i] = int16(i + 1)
		dia[i] = float32(set.Geometry.HoleDiameter())
		xyz[3*i] = h.X
		xyz[3*i+1] = h.Y
	}

	hdr := oiHeader()
	hdr.Set("ARRNAME", meta.ArrayName, "")
	hdr.Set("FRAME", "SKY", "")
	hdr.Set("ARRAYX", 0.0, "")
	hdr.Set("ARRAYY", 0.0, "")
	hdr.Set("ARRAYZ", 0.0, "")
	return &fits.BinTable{
		Name:   "OI_ARRAY",
		Header: hdr,
		Rows:   n,
		Columns: []fits.Column{
			{Name: "TEL_NAME", Format: "16A", Data: tel},
			{Name: "STA_NAME", Format: "16A", Data: sta},
			{Name: "STA_INDEX", Format: "1I", Data: idx},
			{Name: "DIAMETER", Format: "1E", Unit: "m", Data: dia},
			{Name: "STAXYZ", Format: "3D", Unit: "m", Data: xyz},
		},
	}
}

func targetTable(set *nrm.CalibratedSet, meta Metadata) *fits.BinTable {
	hdr := oiHeader()
	return &fits.BinTable{
		Name:   "OI_TARGET",
		Header: hdr,
		Rows:   1,
		Columns: []fits.Column{
			{Name: "TARGET_ID", Format: "1I", Data: []int16{1}},
			{Name: "TARGET", Format: "16A", Data: []string{set.Target}},
			{Name: "RAEP0", Format: "1D", Unit: "deg", Data: []float64{meta.ObjectRA}},
			{Name: "DECEP0", Format: "1D", Unit: "deg", Data: []float64{meta.ObjectDec}},
			{Name: "EQUINOX", Format: "1E", Unit: "yr", Data: []float32{2000}},
			{Name: "RA_ERR", Format: "1D", Unit: "deg", Data: []float64{0}},
			{Name: "DEC_ERR", Format: "1D", Unit: "deg", Data: []float64{0}},
			{Name: "SYSVEL", Format: "1D", Unit: "m/s", Data: []float64{0}},
			{Name: "VELTYP", Format: "8A", Data: []string{"UNKNOWN"}},
			{Name: "VELDEF", Format: "8A", Data: []string{"OPTICAL"}},
			{Name: "PMRA", Format: "1D", Unit: "deg/yr", Data: []float64{0}},
			{Name: "PMDEC", Format: "1D", Unit: "deg/yr", Data: []float64{0}},
			{Name: "PMRA_ERR", Format: "1D", Unit: "deg/yr", Data: []float64{0}},
			{Name: "PMDEC_ERR", Format: "1D", Unit: "deg/yr", Data: []float64{0}},
			{Name: "PARALLAX", Format: "1E", Unit: "deg", Data: []float32{0}},
			{Name: "PARA_ERR", Format: "1E", Unit: "deg", Data: []float32{0}},
			{Name: "SPECTYP", Format: "16A", Data: []string{"UNKNOWN"}},
		},
	}
}

func wavelengthTable(set *nrm.CalibratedSet, meta Metadata) *fits.BinTable {
	hdr := oiHeader()
	hdr.Set("INSNAME", meta.InstrumentName, "")
	return &fits.BinTable{
		Name:   "OI_WAVELENGTH",
		Header: hdr,
		Rows:   1,
		Columns: []fits.Column{
			{Name: "EFF_WAVE", Format: "1E", Unit: "m", Data: []float32{float32(set.Geometry.Wavelength())}},
			{Name: "EFF_BAND", Format: "1E", Unit: "m", Data: []float32{float32(set.Geometry.Bandwidth())}},
		},
	}
}

func obsHeader(meta Metadata) *fits.Header {
	hdr := oiHeader()
	hdr.Set("DATE-OBS", meta.DateObs, "")
	hdr.Set("ARRNAME", meta.ArrayName, "")
	hdr.Set("INSNAME", meta.InstrumentName, "")
	return hdr
}

func vis2Table(set *nrm.CalibratedSet, meta Metadata, sky []nrm.Hole) *fits.BinTable {
	baselines := set.Geometry.Baselines()
	n := len(baselines)

	targetID := make([]int16, n)
	timeCol := make([]float64, n)
	mjd := make([]float64, n)
	intTime := make([]float64, n)
	vis2 := make([]float64, n)
	vis2err := make([]float64, n)
	ucoord := make([]float64, n)
	vcoord := make([]float64, n)
	staIndex := make([]int16, 2*n)
	flag := make([]bool, n)

	for k, b := range baselines {
		targetID[k] = 1
		mjd[k] = set.MJD
		intTime[k] = meta.IntTime
		vis2[k] = set.V2[k]
		vis2err[k] = set.V2Err[k]
		ucoord[k] = sky[b.J].X - sky[b.I].X
		vcoord[k] = sky[b.J].Y - sky[b.I].Y
		staIndex[2*k] = int16(b.I + 1)
		staIndex[2*k+1] = int16(b.J + 1)
	}

	return &fits.BinTable{
		Name:   "OI_VIS2",
		Header: obsHeader(meta),
		Rows:   n,
		Columns: []fits.Column{
			{Name: "TARGET_ID", Format: "1I", Data: targetID},
			{Name: "TIME", Format: "1D", Unit: "s", Data: timeCol},
			{Name: "MJD", Format: "1D", Unit: "day", Data: mjd},
			{Name: "INT_TIME", Format: "1D", Unit: "s", Data: intTime},
			{Name: "VIS2DATA", Format: "1D", Data: vis2},
			{Name: "VIS2ERR", Format: "1D", Data: vis2err},
			{Name: "UCOORD", Format: "1D", Unit: "m", Data: ucoord},
			{Name: "VCOORD", Format: "1D", Unit: "m", Data: vcoord},
			{Name: "STA_INDEX", Format: "2I", Data: staIndex},
			{Name: "FLAG", Format: "1L", Data: flag},
		},
	}
}

func t3Table(set *nrm.CalibratedSet, meta Metadata, sky []nrm.Hole) *fits.BinTable {
	triangles := set.Geometry.Triangles()
	n := len(triangles)

	targetID := make([]int16, n)
	timeCol := make([]float64, n)
	mjd := make([]float64, n)
	intTime := make([]float64, n)
	t3amp := make([]float64, n)
	t3amperr := make([]float64, n)
	t3phi := make([]float64, n)
	t3phierr := make([]float64, n)
	u1 := make([]float64, n)
	v1 := make([]float64, n)
	u2 := make([]float64, n)
	v2 := make([]float64, n)
	staIndex := make([]int16, 3*n)
	flag := make([]bool, n)

	for t, tri := range triangles {
		targetID[t] = 1
		mjd[t] = set.MJD
		intTime[t] = meta.IntTime
		// Triple amplitude is not derived; NaN marks it absent.
		t3amp[t] = math.NaN()
		t3amperr[t] = math.NaN()
		t3phi[t] = units.Rad2Deg(set.CP[t])
		t3phierr[t] = units.Rad2Deg(set.CPErr[t])
		u1[t] = sky[tri.J].X - sky[tri.I].X
		v1[t] = sky[tri.J].Y - sky[tri.I].Y
		u2[t] = sky[tri.K].X - sky[tri.J].X
		v2[t] = sky[tri.K].Y - sky[tri.J].Y
		staIndex[3*t] = int16(tri.I + 1)
		staIndex[3*t+1] = int16(tri.J + 1)
		staIndex[3*t+2] = int16(tri.K + 1)
		flag[t] = set.CPFlag[t]
	}

	return &fits.BinTable{
		Name:   "OI_T3",
		Header: obsHeader(meta),
		Rows:   n,
		Columns: []fits.Column{
			{Name: "TARGET_ID", Format: "1I", Data: targetID},
			{Name: "TIME", Format: "1D", Unit: "s", Data: timeCol},
			{Name: "MJD", Format: "1D", Unit: "day", Data: mjd},
			{Name: "INT_TIME", Format: "1D", Unit: "s", Data: intTime},
			{Name: "T3AMP", Format: "1D", Data: t3amp},
			{Name: "T3AMPERR", Format: "1D", Data: t3amperr},
			{Name: "T3PHI", Format: "1D", Unit: "deg", Data: t3phi},
			{Name: "T3PHIERR", Format: "1D", Unit: "deg", Data: t3phierr},
			{Name: "U1COORD", Format: "1D", Unit: "m", Data: u1},
			{Name: "V1COORD", Format: "1D", Unit: "m", Data: v1},
			{Name: "U2COORD", Format: "1D", Unit: "m", Data: u2},
			{Name: "V2COORD", Format: "1D", Unit: "m", Data: v2},
			{Name: "STA_INDEX", Format: "3I", Data: staIndex},
			{Name: "FLAG", Format: "1L", Data: flag},
		},
	}
}
