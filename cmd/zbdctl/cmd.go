// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/zonedstorage/go-zbd/pkg/cmdutil"
	"github.com/zonedstorage/go-zbd/pkg/zbd"
)

var cli struct {
	cmdutil.VerbosityEmbed

	Reset  resetCmd  `cmd:"" help:"Rewind the write pointer of a zone, or of all zones"`
	Open   openCmd   `cmd:"" help:"Explicitly open a zone, or all closed zones"`
	Close  closeCmd  `cmd:"" help:"Close a zone, or all open zones"`
	Finish finishCmd `cmd:"" help:"Transition a zone to full, or all open and closed zones"`
	Flush  flushCmd  `cmd:"" help:"Drain the device write cache"`
	Format formatCmd `cmd:"" help:"Lay out the zones of a file-backed emulated device"`
	SetWP  setWPCmd  `cmd:"" name:"set-wp" help:"Move the write pointer of an emulated zone"`
}

type zoneOpCmd struct {
	cmdutil.DeviceEmbed

	Sector uint64 `optional:"" default:"0" help:"Any sector of the target zone"`
	All    bool   `optional:"" help:"Apply to all applicable zones"`
}

func (c *zoneOpCmd) run(op zbd.ZoneOp) error {
	cli.Apply()

	d, err := c.DeviceEmbed.Open(os.O_RDWR)
	if err != nil {
		return err
	}
	defer d.Close()

	flags := 0
	if c.All {
		flags |= zbd.ZoneOpAllZones
	}
	if err := d.ZoneOperation(c.Sector, op, flags); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type resetCmd struct{ zoneOpCmd }

func (c *resetCmd) Run() error { return c.run(zbd.ZoneOpReset) }

type openCmd struct{ zoneOpCmd }

func (c *openCmd) Run() error { return c.run(zbd.ZoneOpOpen) }

type closeCmd struct{ zoneOpCmd }

func (c *closeCmd) Run() error { return c.run(zbd.ZoneOpClose) }

type finishCmd struct{ zoneOpCmd }

func (c *finishCmd) Run() error { return c.run(zbd.ZoneOpFinish) }

type flushCmd struct {
	cmdutil.DeviceEmbed
}

func (c *flushCmd) Run() error {
	cli.Apply()

	d, err := c.DeviceEmbed.Open(os.O_RDWR)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Flush()
}

type formatCmd struct {
	cmdutil.DeviceEmbed

	ConvSectors uint64 `required:"" help:"Size of the conventional zone in sectors (0 for none)"`
	ZoneSectors uint64 `required:"" help:"Size of the sequential zones in sectors"`
}

func (c *formatCmd) Run() error {
	cli.Apply()

	c.Fake = true
	d, err := c.DeviceEmbed.Open(os.O_RDWR)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.SetZones(c.ConvSectors, c.ZoneSectors); err != nil {
		return fmt.Errorf("set zones: %w", err)
	}
	nr, err := d.ReportNrZones(0, zbd.ReportAll)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d zones\n", c.Device, nr)
	return nil
}

type setWPCmd struct {
	cmdutil.DeviceEmbed

	Sector uint64 `required:"" help:"Any sector of the target zone"`
	WP     uint64 `required:"" help:"New write pointer position"`
}

func (c *setWPCmd) Run() error {
	cli.Apply()

	c.Fake = true
	d, err := c.DeviceEmbed.Open(os.O_RDWR)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.SetWritePointer(c.Sector, c.WP); err != nil {
		return fmt.Errorf("set write pointer: %w", err)
	}
	return nil
}
