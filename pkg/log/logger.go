// Copyright 2023 the PlatBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log defines the logger used across platboot. Boot-time
// callers are expected to swap DefaultLogger for something backed by
// their early console.
package log

import (
	"log"
	"os"
)

// Logger describes a logger to be used in platboot.
type Logger interface {
	// Debugf logs a message that is only useful when tracing a parse.
	Debugf(format string, args ...interface{})

	// Infof logs a progress message.
	Infof(format string, args ...interface{})

	// Warnf logs a degraded-but-continuing condition, e.g. an absent
	// optional table or a processor that failed to start.
	Warnf(format string, args ...interface{})

	// Errorf logs an error message.
	Errorf(format string, args ...interface{})

	// Fatalf logs a fatal message and immediately exits the application
	// with os.Exit.
	Fatalf(format string, args ...interface{})
}

// DefaultLogger is the logger used by default everywhere within platboot.
var DefaultLogger Logger

func init() {
	DefaultLogger = logWrapper{Logger: log.New(os.Stderr, "", log.LstdFlags)}
}

type logWrapper struct {
	Logger *log.Logger
}

// Debugf implements Logger.
func (logger logWrapper) Debugf(format string, args ...interface{}) {
	logger.Logger.Printf("[platboot][DEBUG] "+format, args...)
}

// Infof implements Logger.
func (logger logWrapper) Infof(format string, args ...interface{}) {
	logger.Logger.Printf("[platboot][INFO] "+format, args...)
}

// Warnf implements Logger.
func (logger logWrapper) Warnf(format string, args ...interface{}) {
	logger.Logger.Printf("[platboot][WARN] "+format, args...)
}

// Errorf implements Logger.
func (logger logWrapper) Errorf(format string, args ...interface{}) {
	logger.Logger.Printf("[platboot][ERROR] "+format, args...)
}

// Fatalf implements Logger.
func (logger logWrapper) Fatalf(format string, args ...interface{}) {
	logger.Logger.Fatalf("[platboot][FATAL] "+format, args...)
}

// Debugf logs a parse-tracing message.
func Debugf(format string, args ...interface{}) {
	DefaultLogger.Debugf(format, args...)
}

// Infof logs a progress message.
func Infof(format string, args ...interface{}) {
	DefaultLogger.Infof(format, args...)
}

// Warnf logs a degraded-but-continuing condition.
func Warnf(format string, args ...interface{}) {
	DefaultLogger.Warnf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	DefaultLogger.Errorf(format, args...)
}

// Fatalf logs a fatal message and immediately exits the application
// with os.Exit (which is expected to be called by the DefaultLogger.Fatalf).
func Fatalf(format string, args ...interface{}) {
	DefaultLogger.Fatalf(format, args...)
}
