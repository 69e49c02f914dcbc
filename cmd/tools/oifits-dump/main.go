// Command oifits-dump prints the tables of an OIFITS exchange file for
// quick inspection: header identity, station positions, wavelength
// channel, squared visibilities, and closure phases.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/oifits"
)

func flagMark(f bool) string {
	if f {
		return "FLAG"
	}
	return "ok"
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: oifits-dump <file.oifits>")
	}
	path := flag.Arg(0)

	f, err := oifits.Read(fsutil.OSFileSystem{}, path)
	if err != nil {
		log.Fatalf("failed to read %s: %v", path, err)
	}

	fmt.Printf("File: %s\n", path)
	fmt.Printf("Target: %s\n", f.Target)
	fmt.Printf("Array: %s\n", f.ArrayName)
	fmt.Printf("Instrument: %s\n", f.InsName)
	fmt.Printf("Date: %s\n", f.DateObs)
	fmt.Printf("Wavelength: %.4g m (band %.4g m)\n", f.EffWave, f.EffBand)

	fmt.Printf("\nStations (%d):\n", len(f.Stations))
	for _, s := range f.Stations {
		fmt.Printf("  %2d %-8s %-8s dia=%.3fm xyz=(%+.4f, %+.4f, %+.4f)\n",
			s.Index, s.TelName, s.StaName, s.Diameter, s.XYZ[0], s.XYZ[1], s.XYZ[2])
	}

	fmt.Printf("\nSquared visibilities (%d):\n", len(f.Vis2))
	for _, v := range f.Vis2 {
		fmt.Printf("  %2d-%-2d V2=%+.6f +/- %.6f  uv=(%+.4f, %+.4f)m  %s\n",
			v.StaIndex[0], v.StaIndex[1], v.Vis2, v.Err, v.UCoord, v.VCoord, flagMark(v.Flag))
	}

	fmt.Printf("\nClosure phases (%d):\n", len(f.T3))
	for _, t := range f.T3 {
		fmt.Printf("  %2d-%2d-%-2d phi=%+.4f +/- %.4f deg  uv1=(%+.4f, %+.4f)m uv2=(%+.4f, %+.4f)m  %s\n",
			t.StaIndex[0], t.StaIndex[1], t.StaIndex[2], t.Phi, t.PhiErr,
			t.U1, t.V1, t.U2, t.V2, flagMark(t.Flag))
	}
}
