package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/openraftlabs/openraft/pkg/simulator"
)

func main() {
	var (
		only = flag.String("scenario", "", "run only the named scenario")
		runs = flag.Int("runs", 1, "repetitions per scenario")
	)
	flag.Parse()

	failed := 0
	for _, sc := range simulator.Scenarios() {
		if *only != "" && sc.Name != *only {
			continue
		}
		for i := 0; i < *runs; i++ {
			start := time.Now()
			err := sc.Run()
			elapsed := time.Since(start).Round(time.Millisecond)
			if err != nil {
				failed++
				fmt.Printf("FAIL %-20s %v (%v)\n", sc.Name, err, elapsed)
			} else {
				fmt.Printf("ok   %-20s (%v)\n", sc.Name, elapsed)
			}
		}
	}
	if failed > 0 {
		fmt.Printf("%d scenario run(s) failed\n", failed)
		os.Exit(1)
	}
}
