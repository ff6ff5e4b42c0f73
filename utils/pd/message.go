package pd

import (
	"bytes"
	"encoding/gob"
	"log"
)

// Messager is anything serializable through the gob codec.
type Messager interface {
	Reset()
}

func Marshal(msg Messager) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MustMarshal(msg Messager) []byte {
	d, err := Marshal(msg)
	if err != nil {
		log.Panicf("marshal should never fail (%v)", err)
	}
	return d
}

func Unmarshal(msg Messager, data []byte) error {
	buf := bytes.NewBuffer(data)
	decode := gob.NewDecoder(buf)
	return decode.Decode(msg)
}

func MustUnmarshal(msg Messager, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		log.Panicf("unmarshal should never fail (%v)", err)
	}
}

// MaybeUnmarshal report whether data decoded into msg; corrupt
// input is an expected condition for wire-facing callers.
func MaybeUnmarshal(msg Messager, data []byte) bool {
	return Unmarshal(msg, data) == nil
}
