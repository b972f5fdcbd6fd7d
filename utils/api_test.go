// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// callerName reports who called it, which is what GetCallerFnName is for.
func callerName() string {
	return GetCallerFnName()
}

func TestFuncPackage(t *testing.T) {
	assert := assert.New(t)

	assert.NotEqual(uint64(0), GetGID())

	fn, pkg, gid := GetFuncPackage(0)
	assert.Equal("TestFuncPackage", fn)
	assert.Equal("utils", pkg)
	assert.Equal(GetGID(), gid)

	assert.Equal("utils.TestFuncPackage", GetFnName())
	assert.Equal("utils.TestFuncPackage", callerName())

	assert.Contains(StackTrace(), "TestFuncPackage")
}
