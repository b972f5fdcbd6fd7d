// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a
// third-party logging package. The package is currently implemented on
// top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine id to all
// logs. Trace logging is enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/swiftstack/blockvfs/utils"
)

type Level int

// Our logging levels - These are the different logging levels supported
// by this package.
//
// We have more detailed logging levels than the logrus log package,
// so we map from our levels to the logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; logrus will log and then call `os.Exit(1)`.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel; general operational entries about what's going on.
	InfoLevel
	// TraceLevel is used for operational logs that trace success path through the application.
	// Whether these are logged is controlled on a per-package basis; when enabled, these are
	// logged at logrus.InfoLevel.
	TraceLevel
)

// packageTraceSettings controls whether tracing is enabled for particular
// packages. If a package is in this map and is set to "true", then tracing
// for that package is considered to be enabled and trace logs for that
// package will be emitted. If the package is in this list and is set to
// "false", OR if the package is not in this list, trace logs for that
// package will NOT be emitted.
var packageTraceSettings = map[string]bool{
	"blockclient": false,
	"blockwire":   false,
	"empager":     false,
	"fifo":        false,
	"pagedvfs":    false,
	"ramdisk":     false,
}

var traceLevelEnabled = false

// EnableTraceLogging turns on trace logging for the named packages.
//
// Passing "none" disables trace logging entirely.
func EnableTraceLogging(pkgs ...string) {
HandlePkgs:
	for _, pkg := range pkgs {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true

				// If any trace level is enabled, need to enable trace level
				// in general. This flag lets us avoid the performance hit of
				// trace-level API calls if the trace level is disabled.
				traceLevelEnabled = true
			}
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	// If not found in the package trace map, traces are considered to be turned off.
	if isEnabled, ok := packageTraceSettings[pkg]; ok {
		return isEnabled
	}
	return false
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"
const pidKey string = "pid"

// FuncCtx saves the fields common between log calls within a function,
// so that package and function are only extracted once.
type FuncCtx struct {
	funcContext *log.Entry
}

// getPackage extracts the package name from the FuncCtx
func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

// traceEnabledForPackage returns whether tracing is enabled for the package
// stored in the context.
func (ctx *FuncCtx) traceEnabledForPackage() bool {
	return traceEnabled(ctx.getPackage())
}

// newFuncCtx creates a new function logging context, extracting the calling
// function from the call stack.
func newFuncCtx(level int) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid
	fields[pidKey] = fmt.Sprint(os.Getpid())

	return &FuncCtx{funcContext: log.WithFields(fields)}
}

// newFuncCtxWithField creates a new function logging context including a
// field, extracting the calling function from the call stack.
func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[key] = value
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	return &FuncCtx{funcContext: log.WithFields(fields)}
}

// log is our equivalent to logrus.entry.go's log function, the common
// low-level logging function internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, "this
// function is not declared with a pointer value because otherwise race
// conditions will occur when using multiple goroutines"
func (ctx FuncCtx) log(level Level, args ...interface{}) {

	// Return if trace level not enabled for this package; other levels
	// are always on.
	if (level == TraceLevel) && !ctx.traceEnabledForPackage() {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	}
}

var backtraceOneLevel int = 1

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Error(args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(ErrorLevel, fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(FatalLevel, fmt.Sprintf(format, args...))
}

func FatalfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(FatalLevel, fmt.Sprintf(format, args...))
}

func Info(args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(InfoLevel, fmt.Sprint(args...))
}

func Infof(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(InfoLevel, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(InfoLevel, fmt.Sprintf(format, args...))
}

// PanicfWithError logs the message and then panics with it. Used for
// invariant violations that cannot be safely ignored.
func PanicfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(PanicLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !traceLevelEnabled {
		return
	}
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(TraceLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(WarnLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(WarnLevel, fmt.Sprintf(format, args...))
}
