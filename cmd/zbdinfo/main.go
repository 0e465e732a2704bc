// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"

	"github.com/zonedstorage/go-zbd/pkg/cmdutil"
	"github.com/zonedstorage/go-zbd/pkg/zbd"
)

const (
	programName = "zbdinfo"
	programDesc = "Show zoned block device identity and geometry"
)

var cli struct {
	cmdutil.DeviceEmbed
	cmdutil.VerbosityEmbed

	JSON  bool `optional:"" help:"Emit JSON instead of a table"`
	Debug bool `optional:"" help:"Dump the raw device information structure"`
}

func run() error {
	cli.Apply()

	d, err := cli.DeviceEmbed.Open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer d.Close()

	info := d.Info()

	if cli.Debug {
		spew.Dump(info)
		return nil
	}
	if cli.JSON {
		b, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
		fmt.Println()
		return nil
	}

	nr, err := d.ReportNrZones(0, zbd.ReportAll)
	if err != nil {
		return fmt.Errorf("report zones: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s\n", d.Path())
	fmt.Fprintf(w, "Vendor:\t%s\n", info.Vendor)
	fmt.Fprintf(w, "Backend:\t%s\n", info.Type)
	fmt.Fprintf(w, "Zone model:\t%s\n", info.Model)
	fmt.Fprintf(w, "Capacity:\t%d sectors (%d GiB)\n", info.Sectors, info.Sectors>>21)
	fmt.Fprintf(w, "Logical block:\t%d B\n", info.LBlockSize)
	fmt.Fprintf(w, "Physical block:\t%d B\n", info.PBlockSize)
	fmt.Fprintf(w, "Max I/O size:\t%d sectors\n", info.MaxRWSectors)
	fmt.Fprintf(w, "Zones:\t%d\n", nr)
	if info.Flags&zbd.CapUnrestrictedRead != 0 {
		fmt.Fprintf(w, "Capabilities:\tunrestricted-read\n")
	}
	if info.Model == zbd.ModelHostManaged && info.MaxNrOpenSeqReq != zbd.NoLimit {
		fmt.Fprintf(w, "Max open zones:\t%d\n", info.MaxNrOpenSeqReq)
	}
	if info.Model == zbd.ModelHostAware && info.OptNrOpenSeqPref != zbd.NotReported {
		fmt.Fprintf(w, "Optimal open zones:\t%d\n", info.OptNrOpenSeqPref)
	}
	return w.Flush()
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	ctx.FatalIfErrorf(run())
}
