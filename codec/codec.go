// Package codec encodes values stored with SetTyped and read back with
// GetTyped. Values are serialized with msgpack; importing the package
// also registers encoders for uuid.UUID, decimal.Decimal and time.Time.
package codec

import (
	"fmt"

	"gopkg.in/vmihailenco/msgpack.v2"
)

// Marshal encodes v.
func Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: can't marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data into v, which must be a pointer.
func Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: can't unmarshal into %T: %w", v, err)
	}
	return nil
}
