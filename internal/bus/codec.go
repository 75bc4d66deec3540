package bus

import (
	"github.com/fxamacker/cbor/v2"
)

// frame is the datagram exchanged on the multicast group. Origin lets a
// receiver drop its own looped-back datagrams.
type frame struct {
	Origin  string `cbor:"1,keyasint"`
	Channel string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bus: CBOR encoder initialization failed: " + err.Error())
	}

	// A frame is one flat map. Byte strings are already bounded by the
	// datagram read buffer.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("bus: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFrame(f frame) ([]byte, error) {
	return encMode.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	err := decMode.Unmarshal(data, &f)
	return f, err
}
