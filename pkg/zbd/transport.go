// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"fmt"
	"runtime"

	"github.com/zonedstorage/go-zbd/pkg/zbd/sgio"
)

// Per-command transfer cap for the pass-through backends, in sectors.
// The sg driver bounces the payload through kernel memory, so keep the
// chunks modest and let the splitter loop.
const sgMaxRWSectors = 1024

// execSG runs one CDB against the handle's descriptor. A CHECK
// CONDITION reply is decoded, recorded on the handle and returned as a
// *SenseError; transport failures wrap ErrIO.
func (d *Device) execSG(cdb []byte, buf []byte, dir sgio.Direction) (sgio.Result, error) {
	res, err := sgio.Exec(d.fd.Fd(), cdb, buf, dir)
	runtime.KeepAlive(d.fd)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if res.Sense != nil {
		s := res.Sense
		return res, d.recordSense(SenseKey(s.Key), s.ASC, s.ASCQ)
	}
	return res, nil
}

// gatherBuf flattens a scatter list into one contiguous transfer
// buffer for backends whose channel takes a single buffer. The scratch
// lives only for the duration of the operation.
func gatherBuf(bufs [][]byte) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	var total int
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, total)
	off := 0
	for _, b := range bufs {
		off += copy(out[off:], b)
	}
	return out
}

// scatterBuf copies a contiguous read reply back into the caller's
// scatter list.
func scatterBuf(bufs [][]byte, src []byte) {
	if len(bufs) == 1 {
		return
	}
	for _, b := range bufs {
		if len(src) == 0 {
			return
		}
		n := copy(b, src)
		src = src[n:]
	}
}
