// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/zonedstorage/go-zbd/pkg/cmdutil"
	"github.com/zonedstorage/go-zbd/pkg/zbd"
)

const (
	programName = "zbdstat"
	programDesc = "Zone condition statistics for the zoned block devices of this host"
)

var cli struct {
	cmdutil.VerbosityEmbed

	Output  string   `optional:"" default:"table" enum:"table,json,openmetrics" help:"Output format"`
	Devices []string `arg:"" optional:"" help:"Devices to inspect (default: every zoned device found)"`
}

// DeviceState is the collected snapshot of one device.
type DeviceState struct {
	Device     string
	Info       zbd.DeviceInfo
	NrZones    int
	Conditions map[string]int

	// WrittenSectors sums wp-start over all sequential zones; full
	// zones count their whole length.
	WrittenSectors uint64
	SeqSectors     uint64
}

type Devices []DeviceState

func enumerate() ([]string, error) {
	if len(cli.Devices) > 0 {
		return cli.Devices, nil
	}
	sysblk, err := os.ReadDir("/sys/class/block")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate block devices: %w", err)
	}
	var out []string
	for _, fi := range sysblk {
		devpath := filepath.Join("/dev", fi.Name())
		zoned, err := zbd.IsZoned(devpath, false)
		if err != nil || !zoned {
			continue
		}
		out = append(out, devpath)
	}
	return out, nil
}

func collect(devpath string) (*DeviceState, error) {
	d, err := zbd.Open(devpath, os.O_RDONLY|zbd.DrvBlock|zbd.DrvSCSI|zbd.DrvATA|zbd.DrvFake)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	zones, err := d.ListZones(0, zbd.ReportAll)
	if err != nil {
		return nil, err
	}

	s := &DeviceState{
		Device:     devpath,
		Info:       d.Info(),
		NrZones:    len(zones),
		Conditions: map[string]int{},
	}
	for i := range zones {
		z := &zones[i]
		s.Conditions[z.Condition.String()]++
		if !z.Sequential() {
			continue
		}
		s.SeqSectors += z.Length
		switch z.Condition {
		case zbd.ZoneCondFull:
			s.WrittenSectors += z.Length
		case zbd.ZoneCondImpOpen, zbd.ZoneCondExpOpen, zbd.ZoneCondClosed:
			s.WrittenSectors += z.WritePointer - z.Start
		}
	}
	return s, nil
}

func run() error {
	cli.Apply()

	paths, err := enumerate()
	if err != nil {
		return err
	}

	var state Devices
	for _, p := range paths {
		s, err := collect(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			continue
		}
		state = append(state, *s)
	}

	switch cli.Output {
	case "json":
		b, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
		fmt.Println()
		return nil
	case "openmetrics":
		return outputMetrics(state)
	}
	return outputTable(state)
}

func outputTable(state Devices) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "DEVICE\tMODEL\tZONES\tEMPTY\tOPEN\tCLOSED\tFULL\tUSED%%\n")
	for _, s := range state {
		used := 0.0
		if s.SeqSectors > 0 {
			used = 100 * float64(s.WrittenSectors) / float64(s.SeqSectors)
		}
		open := s.Conditions["implicit-open"] + s.Conditions["explicit-open"]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.1f\n",
			s.Device, s.Info.Model, s.NrZones,
			s.Conditions["empty"], open, s.Conditions["closed"], s.Conditions["full"],
			used)
	}
	return w.Flush()
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	ctx.FatalIfErrorf(run())
}
