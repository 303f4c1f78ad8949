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

package internal

import (
	commonpb "go.temporal.io/temporal-proto/common"
)

// Version is the integer recorded by a getVersion marker (§4.4).
type Version int32

// DefaultVersion is returned by GetVersion for any change id never recorded
// in history (the code path predates versioning entirely).
const DefaultVersion Version = -1

func encodeArgs(dc DataConverter, args []interface{}) (*commonpb.Payloads, error) {
	if dc == nil {
		dc = getDefaultDataConverter()
	}
	return dc.ToData(args...)
}

func decodeArg(dc DataConverter, payloads *commonpb.Payloads, index int, valuePtr interface{}) error {
	if dc == nil {
		dc = getDefaultDataConverter()
	}
	single := payloadAt(payloads, index)
	if single == nil {
		return nil
	}
	return dc.FromData(single, valuePtr)
}

// payloadAt slices out the single payload at index as its own *Payloads, or
// nil if the index is out of range. Used to pick apart a marker's Details
// when it packs more than one logical value (e.g. mutableSideEffect's
// id/accessCount/value triple).
func payloadAt(payloads *commonpb.Payloads, index int) *commonpb.Payloads {
	if payloads == nil || index >= len(payloads.GetPayloads()) {
		return nil
	}
	return &commonpb.Payloads{Payloads: []*commonpb.Payload{payloads.GetPayloads()[index]}}
}

// concatPayloads appends b's payloads after a's, used to pack a raw
// already-encoded value alongside encodeArgs-produced header fields into a
// single marker Details blob.
func concatPayloads(a *commonpb.Payloads, b *commonpb.Payloads) *commonpb.Payloads {
	out := &commonpb.Payloads{}
	out.Payloads = append(out.Payloads, a.GetPayloads()...)
	out.Payloads = append(out.Payloads, b.GetPayloads()...)
	return out
}
