// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/zonedstorage/go-zbd/pkg/cmdutil"
	"github.com/zonedstorage/go-zbd/pkg/zbd"
)

const (
	programName = "zbdreport"
	programDesc = "List the zones of a zoned block device"
)

var reportFilters = map[string]zbd.ReportOption{
	"all":        zbd.ReportAll,
	"empty":      zbd.ReportEmpty,
	"imp-open":   zbd.ReportImpOpen,
	"exp-open":   zbd.ReportExpOpen,
	"closed":     zbd.ReportClosed,
	"full":       zbd.ReportFull,
	"read-only":  zbd.ReportReadOnly,
	"offline":    zbd.ReportOffline,
	"need-reset": zbd.ReportNeedReset,
	"non-seq":    zbd.ReportNonSeq,
	"not-wp":     zbd.ReportNotWP,
}

var cli struct {
	cmdutil.DeviceEmbed
	cmdutil.VerbosityEmbed

	Start  uint64 `optional:"" default:"0" help:"First sector to report from"`
	Filter string `optional:"" default:"all" enum:"all,empty,imp-open,exp-open,closed,full,read-only,offline,need-reset,non-seq,not-wp" help:"Only list zones in this condition"`
	Count  bool   `optional:"" help:"Only print the number of matching zones"`
	Limit  int    `optional:"" default:"0" help:"Stop after this many zones (0 = no limit)"`
}

func run() error {
	cli.Apply()

	d, err := cli.DeviceEmbed.Open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer d.Close()

	ro := reportFilters[cli.Filter]

	if cli.Count {
		nr, err := d.ReportNrZones(cli.Start, ro)
		if err != nil {
			return err
		}
		fmt.Println(nr)
		return nil
	}

	var zones []zbd.Zone
	if cli.Limit > 0 {
		zones = make([]zbd.Zone, cli.Limit)
		n, err := d.ReportZones(cli.Start, ro, zones)
		if err != nil {
			return err
		}
		zones = zones[:n]
	} else {
		zones, err = d.ListZones(cli.Start, ro)
		if err != nil {
			return err
		}
	}

	if !cmdutil.IsTerminal() {
		for i := range zones {
			z := &zones[i]
			fmt.Printf("%d %d %d %d %d\n", z.Start, z.Length, int(z.Type), int(z.Condition), z.WritePointer)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "ZONE\tSTART\tLENGTH\tTYPE\tCONDITION\tWP\tFLAGS\n")
	for i := range zones {
		z := &zones[i]
		wp := "-"
		if z.Sequential() && z.Condition != zbd.ZoneCondFull &&
			z.Condition != zbd.ZoneCondReadOnly && z.Condition != zbd.ZoneCondOffline {
			wp = fmt.Sprintf("%d", z.WritePointer)
		}
		flags := ""
		if z.NeedReset {
			flags += "R"
		}
		if z.NonSeq {
			flags += "N"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			i, z.Start, z.Length, z.Type, z.Condition, wp, flags)
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
