// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel controls the verbosity of the package diagnostics. It is a
// global sticky value and never changes library behaviour.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogError
	LogWarning
	LogInfo
	LogDebug
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// SetLogLevel sets the verbosity of the diagnostic output emitted on
// stderr. The default is LogNone.
func SetLogLevel(level LogLevel) {
	switch level {
	case LogNone:
		log.SetOutput(io.Discard)
		return
	case LogError:
		log.SetLevel(logrus.ErrorLevel)
	case LogWarning:
		log.SetLevel(logrus.WarnLevel)
	case LogInfo:
		log.SetLevel(logrus.InfoLevel)
	case LogDebug:
		log.SetLevel(logrus.DebugLevel)
	default:
		return
	}
	log.SetOutput(os.Stderr)
}
