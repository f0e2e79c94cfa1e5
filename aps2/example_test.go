package aps2_test

import (
	"context"
	"fmt"
	"log"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
)

func Example() {
	board := aps2.NewMockBoard()
	d := aps2.New("A2-01", board, aps2.DefaultOptions())
	if err := d.Connect(); err != nil {
		log.Fatal(err)
	}
	defer d.Disconnect()

	if err := d.Init(context.Background(), aps2.InitOptions{ForceReload: true}); err != nil {
		log.Fatal(err)
	}
	ramp := make([]int16, 64)
	for i := range ramp {
		ramp[i] = int16(i * 100)
	}
	if err := d.SetWaveform(0, ramp); err != nil {
		log.Fatal(err)
	}
	if err := d.SetTriggerInterval(1e-3); err != nil {
		log.Fatal(err)
	}
	d.SetChannelEnabled(0, true)
	if err := d.Run(); err != nil {
		log.Fatal(err)
	}
	fmt.Println(d.State())
	// Output: running
}

func ExamplePlanLLWrite() {
	spans, err := aps2.PlanLLWrite(10, 512, 508, 0, 10)
	if err != nil {
		log.Fatal(err)
	}
	for _, s := range spans {
		fmt.Printf("entries [%d,%d) at %d\n", s.From, s.To, s.Addr)
	}
	// Output:
	// entries [0,4) at 508
	// entries [4,10) at 0
}
