// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package zbd

// Hosts without the zoned block kernel interface probe pass-through
// and emulated backends only.
func nativeDrivers() []driverEntry {
	return nil
}
