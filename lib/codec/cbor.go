// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used by the durable stores.
// Encoding is Core Deterministic (RFC 8949 §4.2): the same logical
// record always produces identical bytes, which keeps content hashes
// and change detection stable across processes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Tool-call arguments decode into any-typed targets. The CBOR
		// default map type for those is map[interface{}]interface{},
		// which is incompatible with encoding/json and every caller
		// that expects map[string]any. Struct field decoding is
		// unaffected by this setting.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// store payloads.
type RawMessage = cbor.RawMessage
