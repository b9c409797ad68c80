// Package codec wraps deterministic CBOR encoding for coordinator state
// snapshots. The same logical value always encodes to identical bytes, so two
// snapshots of the same state can be compared byte for byte.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode //nolint:gochecknoglobals // configured once in init
	decMode cbor.DecMode //nolint:gochecknoglobals // configured once in init
)

func init() { //nolint:gochecknoinits // codec modes are process-wide
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
