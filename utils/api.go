// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities for blockvfs.
package utils

import (
	"bytes"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
)

// GetGID returns the goroutine id of the caller.
//
// Logging the goroutine context is useful when debugging lock and
// wakeup ordering between the many threads parked in the transaction
// and pager engines.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns a string containing the package and function name
// of the caller the requested number of levels up the call stack.
func GetAFnName(level int) string {
	// Get the PC for the level requested, adding one level to skip this function
	pc, _, _, _ := runtime.Caller(level + 1)
	functionObject := runtime.FuncForPC(pc)
	// Strip off the module path, leaving just package.function
	extractFnName := regexp.MustCompile(`[^\/]*$`)
	return extractFnName.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing the calling
// function and package, plus the caller's goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	// Package name runs from the beginning of the string to the first "."
	extractPkgName := regexp.MustCompile(`^[^.]*`)
	pkg = extractPkgName.FindString(funcPkg)

	// Function name runs from the last "." to the end of the string
	extractFnName := regexp.MustCompile(`[^.]*$`)
	fn = extractFnName.FindString(funcPkg)

	gid = GetGID()

	return fn, pkg, gid
}

// GetFnName returns a string containing the name of the running function
// and its package. This can be useful for debug prints.
func GetFnName() string {
	return GetAFnName(1)
}

// GetCallerFnName returns a string containing the name of the calling function.
func GetCallerFnName() string {
	return GetAFnName(2)
}

// StackTrace returns a string containing the stack trace of the calling
// goroutine.
func StackTrace() (stack string) {
	buf := make([]byte, 16384)
	cnt := runtime.Stack(buf, false)
	return fmt.Sprintf("%s", buf[0:cnt])
}
