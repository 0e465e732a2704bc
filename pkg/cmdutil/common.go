// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmdutil carries the kong embeds shared by the zbd command
// line tools.
package cmdutil

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/zonedstorage/go-zbd/pkg/zbd"
)

// DeviceEmbed is the positional device argument plus the open options
// common to every tool.
type DeviceEmbed struct {
	Device string `arg:"" required:"" type:"accessiblefile" help:"Path to the zoned block device or emulator file"`
	Fake   bool   `optional:"" help:"Only probe the file-backed emulator backend"`
	ATA    bool   `optional:"" help:"Only probe the ATA backend"`
	SCSI   bool   `optional:"" help:"Only probe the SCSI backend"`
	Block  bool   `optional:"" help:"Only probe the kernel block backend"`
}

// OpenFlags translates the backend selection flags into an Open mask.
func (e *DeviceEmbed) OpenFlags(access int) int {
	flags := access
	if e.Block {
		flags |= zbd.DrvBlock
	}
	if e.SCSI {
		flags |= zbd.DrvSCSI
	}
	if e.ATA {
		flags |= zbd.DrvATA
	}
	if e.Fake {
		flags |= zbd.DrvFake
	}
	return flags
}

// Open opens the device with the embed's backend restriction.
func (e *DeviceEmbed) Open(access int) (*zbd.Device, error) {
	d, err := zbd.Open(e.Device, e.OpenFlags(access))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Device, err)
	}
	return d, nil
}

// VerbosityEmbed maps the shared -v flag onto the library log level.
type VerbosityEmbed struct {
	Verbosity string `optional:"" short:"v" default:"none" enum:"none,error,warning,info,debug" help:"Diagnostic verbosity"`
}

// Apply sets the sticky library log level.
func (e *VerbosityEmbed) Apply() {
	levels := map[string]zbd.LogLevel{
		"none":    zbd.LogNone,
		"error":   zbd.LogError,
		"warning": zbd.LogWarning,
		"info":    zbd.LogInfo,
		"debug":   zbd.LogDebug,
	}
	zbd.SetLogLevel(levels[e.Verbosity])
}

// IsTerminal reports whether stdout is a terminal; tools pick table
// output on terminals and plain output in pipelines.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
