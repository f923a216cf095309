// Package protocol defines the drover wire format: packet identifiers, packet
// schemas, frame encoding and handler dispatch.
//
// Every packet type has a stable numeric ID and an explicit CBOR schema
// (integer keyed struct fields). A Registry maps IDs to packet factories so
// decoding never inspects runtime types. Frames are length prefixed and carry
// a correlation token used to pair requests with responses.
package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
