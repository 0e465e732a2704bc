// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// SCSI generic IO: executes prepared CDBs through the Linux sg driver
// and surfaces the raw completion state (residual, sense data) to the
// backend layer.

package sgio

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/dswarbrick/smart/ioctl"
)

type Direction int32

const (
	DirNone       Direction = -1
	DirToDevice   Direction = -2
	DirFromDevice Direction = -3

	sgInfoOKMask = 0x1
	sgInfoOK     = 0x0

	sgIO = 0x2285

	// Timeout in milliseconds
	defaultTimeout = 60000

	driverSense = 0x8

	senseBufLen = 64
)

// ErrTransport is wrapped by every failure that never reached the
// target: ioctl errors, adapter errors, driver errors without sense.
var ErrTransport = errors.New("sg transport failure")

// SCSI CDB types
type (
	CDB6  [6]byte
	CDB10 [10]byte
	CDB16 [16]byte
)

// SCSI generic ioctl header, defined as sg_io_hdr_t in <scsi/sg.h>
type sgIoHdr struct {
	interface_id    int32     // 'S' for SCSI generic (required)
	dxfer_direction Direction // data transfer direction
	cmd_len         uint8     // SCSI command length (<= 16 bytes)
	mx_sb_len       uint8     // max length to write to sbp
	iovec_count     uint16    // 0 implies no scatter gather
	dxfer_len       uint32    // byte count of data transfer
	dxferp          uintptr   // points to data transfer memory
	cmdp            uintptr   // points to command to perform
	sbp             uintptr   // points to sense_buffer memory
	timeout         uint32    // MAX_UINT -> no timeout (unit: millisec)
	flags           uint32    // 0 -> default, see SG_FLAG...
	pack_id         int32     // unused internally (normally)
	usr_ptr         uintptr   // unused internally
	status          uint8     // SCSI status
	masked_status   uint8     // shifted, masked scsi status
	msg_status      uint8     // messaging level data (optional)
	sb_len_wr       uint8     // byte count actually written to sbp
	host_status     uint16    // errors from host adapter
	driver_status   uint16    // errors from software driver
	resid           int32     // dxfer_len - actual_transferred
	duration        uint32    // time taken by cmd (unit: millisec)
	info            uint32    // auxiliary information
}

// Result is the completion state of one command.
type Result struct {
	// Residual is dxfer_len minus the bytes actually transferred.
	Residual int

	// Sense is the decoded sense data the target returned, or nil. A
	// non-nil Sense means the command ended in CHECK CONDITION.
	Sense *Sense
}

// Exec ships one CDB to the device. buf may be nil for non-data
// commands. A nil error with a non-nil Result.Sense means the target
// processed the command and rejected it; the caller decides what that
// means. Errors wrapping ErrTransport mean the command outcome is
// unknown.
func Exec(fd uintptr, cdb []byte, buf []byte, dir Direction) (Result, error) {
	senseBuf := make([]byte, senseBufLen)

	hdr := sgIoHdr{
		interface_id:    'S',
		dxfer_direction: dir,
		timeout:         defaultTimeout,
		cmd_len:         uint8(len(cdb)),
		mx_sb_len:       uint8(len(senseBuf)),
		cmdp:            uintptr(unsafe.Pointer(&cdb[0])),
		sbp:             uintptr(unsafe.Pointer(&senseBuf[0])),
	}
	if len(buf) > 0 {
		hdr.dxfer_len = uint32(len(buf))
		hdr.dxferp = uintptr(unsafe.Pointer(&buf[0]))
	}

	if err := ioctl.Ioctl(fd, sgIO, uintptr(unsafe.Pointer(&hdr))); err != nil {
		return Result{}, fmt.Errorf("%w: SG_IO: %v", ErrTransport, err)
	}

	res := Result{Residual: int(hdr.resid)}

	if hdr.info&sgInfoOKMask == sgInfoOK {
		return res, nil
	}

	if hdr.driver_status&driverSense != 0 && hdr.sb_len_wr > 0 {
		sense, err := ParseSense(senseBuf[:hdr.sb_len_wr])
		if err != nil {
			return res, err
		}
		res.Sense = sense
		return res, nil
	}

	return res, fmt.Errorf("%w: status %#02x, host status %#02x, driver status %#02x",
		ErrTransport, hdr.status, hdr.host_status, hdr.driver_status)
}
