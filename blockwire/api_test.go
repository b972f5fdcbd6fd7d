// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockwire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swiftstack/blockvfs/zerr"
)

func TestRecords(t *testing.T) {
	assert := assert.New(t)

	request := Request{
		OpCode:    OpWrite | FlagGroupItem | FlagGroupLast,
		ReqID:     3,
		Group:     5,
		VmoID:     7,
		Length:    11,
		VmoOffset: 13,
		DevOffset: 17,
	}

	// Op strips the group flags.
	assert.Equal(OpWrite, request.Op())

	buf, err := PackRequests([]Request{request, request})
	assert.Nil(err)
	assert.Equal(2*RecordSize, len(buf))

	requests, err := UnpackRequests(buf)
	assert.Nil(err)
	assert.Equal(2, len(requests))
	assert.Equal(request, requests[0])
	assert.Equal(request, requests[1])

	// A buffer that is not a whole number of records is a framing bug.
	_, err = UnpackRequests(buf[:RecordSize+1])
	assert.NotNil(err)

	response := Response{
		Status: int32(zerr.ErrIO),
		ReqID:  3,
		Group:  5,
		Count:  2,
	}
	buf, err = PackResponses([]Response{response})
	assert.Nil(err)
	assert.Equal(RecordSize, len(buf))

	responses, err := UnpackResponses(buf)
	assert.Nil(err)
	assert.Equal(1, len(responses))
	assert.Equal(response, responses[0])
}