// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import "fmt"

// SenseKey is the SCSI sense key reported by a failed command.
type SenseKey int

const (
	SenseKeyNone        SenseKey = 0x0
	SenseIllegalRequest SenseKey = 0x5
	SenseDataProtect    SenseKey = 0x7
	SenseAbortedCommand SenseKey = 0xb
)

func (k SenseKey) String() string {
	switch k {
	case SenseKeyNone:
		return "no-sense"
	case SenseIllegalRequest:
		return "illegal-request"
	case SenseDataProtect:
		return "data-protect"
	case SenseAbortedCommand:
		return "aborted-command"
	}
	return fmt.Sprintf("sense-key-%#02x", int(k))
}

// SenseCode is the library-level classification of the additional sense
// code and qualifier pair for the zone specific conditions.
type SenseCode int

const (
	SenseCodeNone SenseCode = iota
	SenseInvalidFieldInCDB
	SenseLBAOutOfRange
	SenseUnalignedWrite
	SenseWriteBoundaryViolation
	SenseReadInvalidData
	SenseReadBoundaryViolation
	SenseZoneIsReadOnly
	SenseInsufficientZoneResources
)

func (c SenseCode) String() string {
	switch c {
	case SenseInvalidFieldInCDB:
		return "invalid-field-in-cdb"
	case SenseLBAOutOfRange:
		return "lba-out-of-range"
	case SenseUnalignedWrite:
		return "unaligned-write"
	case SenseWriteBoundaryViolation:
		return "write-boundary-violation"
	case SenseReadInvalidData:
		return "attempt-to-read-invalid-data"
	case SenseReadBoundaryViolation:
		return "read-boundary-violation"
	case SenseZoneIsReadOnly:
		return "zone-is-read-only"
	case SenseInsufficientZoneResources:
		return "insufficient-zone-resources"
	}
	return "no-additional-sense"
}

// ascPair is an additional sense code plus qualifier as it appears in
// the sense data.
type ascPair struct {
	asc, ascq uint8
}

// SPC/ZBC additional sense code assignments for the zone conditions.
var senseCodes = map[ascPair]SenseCode{
	{0x24, 0x00}: SenseInvalidFieldInCDB,
	{0x21, 0x00}: SenseLBAOutOfRange,
	{0x21, 0x04}: SenseUnalignedWrite,
	{0x21, 0x05}: SenseWriteBoundaryViolation,
	{0x21, 0x06}: SenseReadInvalidData,
	{0x21, 0x07}: SenseReadBoundaryViolation,
	{0x27, 0x08}: SenseZoneIsReadOnly,
	{0x55, 0x0e}: SenseInsufficientZoneResources,
}

func classifySense(asc, ascq uint8) SenseCode {
	return senseCodes[ascPair{asc, ascq}]
}

// SenseError is returned when the device terminated a command with
// CHECK CONDITION. The decoded pair is also recorded on the handle and
// stays readable through Device.LastError until a later command records
// another sense; successful commands leave it in place.
type SenseError struct {
	Key  SenseKey
	Code SenseCode

	// ASC and ASCQ are the raw additional sense bytes, kept for codes
	// outside the zone specific set.
	ASC  uint8
	ASCQ uint8
}

func (e *SenseError) Error() string {
	return fmt.Sprintf("device error: %s, %s (asc %#02x, ascq %#02x)", e.Key, e.Code, e.ASC, e.ASCQ)
}

// recordSense stores the decoded sense on the handle and returns the
// error. Local validation failures never go through here, so LastError
// keeps reflecting the last device-reported condition.
func (d *Device) recordSense(key SenseKey, asc, ascq uint8) error {
	e := &SenseError{
		Key:  key,
		Code: classifySense(asc, ascq),
		ASC:  asc,
		ASCQ: ascq,
	}
	d.lastSense = e
	return e
}

// LastError returns the most recent sense recorded by a device command
// on this handle, or nil if none has been recorded. Only meaningful when read from the
// goroutine that issued the command; see the concurrency note on Device.
func (d *Device) LastError() *SenseError {
	return d.lastSense
}
