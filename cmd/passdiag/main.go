// Command passdiag prints the passes an ephemeris snapshot file predicts over
// one site, without starting the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/passes"
)

func main() {
	snapshot := flag.String("snapshot", "", "ephemeris snapshot file written by contactd")
	lat := flag.Float64("lat", 49.2606, "site latitude, degrees")
	lng := flag.Float64("lng", -123.2460, "site longitude, degrees")
	minEl := flag.Float64("min-el", 10, "minimum culmination elevation, degrees")
	from := flag.String("from", "", "RFC3339 start (default: window start)")
	flag.Parse()

	if *snapshot == "" {
		fmt.Fprintln(os.Stderr, "usage: passdiag -snapshot FILE [-lat] [-lng] [-min-el] [-from]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	snap, err := ephemeris.ReadFile(*snapshot)
	if err != nil {
		fmt.Println("ERROR reading snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("Snapshot %s: %s (NORAD %d) epoch %v\n",
		snap.StateID, snap.Elements.Name, snap.Elements.NORADID, snap.Elements.Epoch.Format(time.RFC3339))
	fmt.Printf("Window %v .. %v, %d days, %d samples\n",
		snap.Start().Format(time.RFC3339), snap.End().Format(time.RFC3339), len(snap.Days), snap.SampleCount())

	start := snap.Start()
	if *from != "" {
		if start, err = time.Parse(time.RFC3339, *from); err != nil {
			fmt.Println("ERROR parsing -from:", err)
			os.Exit(1)
		}
	}

	eph := ephemeris.NewStore()
	eph.Swap(snap)
	pool := geometry.NewPool(1, logger)
	defer pool.Close()
	predictor := passes.NewPredictor(eph, pool, 0, 0, logger)

	site := geometry.Site{Lat: *lat, Lng: *lng, MinElevation: *minEl}
	ps, err := predictor.FindFullPasses(context.Background(), site, start)
	if err != nil {
		fmt.Println("ERROR predicting passes:", err)
		os.Exit(1)
	}

	for i, p := range ps {
		fmt.Printf("  pass %d: rise=%v culm=%v maxEl=%.1f° az=%.0f° set=%v dur=%.0fs\n",
			i, p.Rise.T.Format(time.RFC3339), p.Culmination.T.Format(time.RFC3339),
			p.Culmination.Alt, p.Culmination.Az, p.Set.T.Format(time.RFC3339),
			p.Set.T.Sub(p.Rise.T).Seconds())
	}
	fmt.Printf("\nTotal passes found: %d\n", len(ps))
}
