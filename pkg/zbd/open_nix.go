// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"errors"
	"path/filepath"
)

// driverEntry binds a probe function to its restrict-mask bit. The
// probe order is fixed: native block first, then SCSI, ATA and the
// emulator last. The native entry is only present on hosts whose
// kernel has the zoned block interface.
type driverEntry struct {
	name string
	mask int
	open func(path string, flags int) (*Device, error)
}

func drivers() []driverEntry {
	ds := nativeDrivers()
	return append(ds,
		driverEntry{"scsi", DrvSCSI, scsiOpen},
		driverEntry{"ata", DrvATA, ataOpen},
		driverEntry{"fake", DrvFake, fakeOpen},
	)
}

// Open opens the zoned block device at path. flags combines an access
// mode (os.O_RDONLY or os.O_RDWR) with optional Drv* bits restricting
// the backends probed, and DevTest. An empty restrict mask allows all
// transport backends; the emulator is only ever probed when DrvFake is
// set explicitly.
func Open(path string, flags int) (*Device, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		log.Debugf("%s: resolve failed: %v", path, err)
		return nil, ErrNoDevice
	}

	allowed := flags & drvMask
	if allowed == 0 {
		allowed = DrvBlock | DrvSCSI | DrvATA
	}

	for _, drv := range drivers() {
		if allowed&drv.mask == 0 {
			continue
		}
		d, err := drv.open(resolved, flags)
		if errors.Is(err, errNotMyDevice) {
			log.Debugf("%s: not a %s device", resolved, drv.name)
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Infof("%s: opened as %s, %s", resolved, drv.name, d.info.Model)
		d.testMode = flags&DevTest != 0
		return d, nil
	}
	return nil, ErrNoDevice
}

// IsZoned reports whether the device at path is a zoned block device
// this library can drive. With fakeOK, emulated devices count.
func IsZoned(path string, fakeOK bool) (bool, error) {
	flags := DrvBlock | DrvSCSI | DrvATA
	if fakeOK {
		flags |= DrvFake
	}
	d, err := Open(path, flags)
	if errors.Is(err, ErrNoDevice) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, d.Close()
}
