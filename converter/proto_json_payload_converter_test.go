// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package converter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtoJSONPayloadConverter_ProtoMessage(t *testing.T) {
	c := NewProtoJSONPayloadConverter()

	in := &GoogleGenerated{Name: "Gopher", BirthDay: 1, Siblings: 2, Spouse: true, Money: 3.5}
	payload, err := c.ToData(in)
	require.NoError(t, err)
	require.Equal(t, MetadataEncodingProtoJSON, string(payload.GetMetadata()[metadataEncoding]))

	var out GoogleGenerated
	require.NoError(t, c.FromData(payload, &out))
	require.Equal(t, in.Name, out.Name)
	require.Equal(t, in.BirthDay, out.BirthDay)
	require.Equal(t, in.Siblings, out.Siblings)
	require.Equal(t, in.Spouse, out.Spouse)
	require.Equal(t, in.Money, out.Money)
}

func TestProtoJSONPayloadConverter_NonProtoFallsBackToJSON(t *testing.T) {
	c := NewProtoJSONPayloadConverter()

	payload, err := c.ToData("hello")
	require.NoError(t, err)
	require.Equal(t, metadataEncodingJSON, string(payload.GetMetadata()[metadataEncoding]))

	var out string
	require.NoError(t, c.FromData(payload, &out))
	require.Equal(t, "hello", out)
}

func TestProtoJSONPayloadConverter_Encoding(t *testing.T) {
	c := NewProtoJSONPayloadConverter()
	require.Equal(t, MetadataEncodingProtoJSON, c.Encoding())
}
