// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgio

import (
	"errors"
	"fmt"
)

// Sense is decoded sense data: the key/ASC/ASCQ triple plus, for
// descriptor format sense, the raw descriptor area.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8

	// Descriptors is the descriptor area of 0x72/0x73 format sense,
	// nil for fixed format.
	Descriptors []byte
}

var errShortSense = errors.New("sense data too short")

// ParseSense decodes fixed (0x70/0x71) and descriptor (0x72/0x73)
// format sense data.
func ParseSense(b []byte) (*Sense, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", errShortSense, len(b))
	}
	switch b[0] & 0x7f {
	case 0x70, 0x71:
		if len(b) < 14 {
			return nil, fmt.Errorf("%w: fixed format needs 14 bytes, got %d", errShortSense, len(b))
		}
		return &Sense{
			Key:  b[2] & 0x0f,
			ASC:  b[12],
			ASCQ: b[13],
		}, nil
	case 0x72, 0x73:
		s := &Sense{
			Key:  b[1] & 0x0f,
			ASC:  b[2],
			ASCQ: b[3],
		}
		// Additional sense length caps the descriptor area.
		n := int(b[7])
		if 8+n > len(b) {
			n = len(b) - 8
		}
		if n > 0 {
			s.Descriptors = b[8 : 8+n]
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown sense response code %#02x", b[0]&0x7f)
}

// ataStatusDescriptor is the descriptor type carrying the ATA register
// file after a pass-through command with CK_COND set.
const ataStatusDescriptor = 0x09

// ATAStatus walks the descriptor area and returns the ATA status return
// descriptor, or nil if the sense carries none.
func (s *Sense) ATAStatus() []byte {
	d := s.Descriptors
	for len(d) >= 2 {
		dtype, dlen := d[0], int(d[1])+2
		if dlen > len(d) {
			return nil
		}
		if dtype == ataStatusDescriptor {
			return d[:dlen]
		}
		d = d[dlen:]
	}
	return nil
}
