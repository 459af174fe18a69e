package codec

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/vmihailenco/msgpack.v2"
)

func encodeUUID(e *msgpack.Encoder, v reflect.Value) error {
	id := v.Interface().(uuid.UUID)
	return e.EncodeBytes(id[:])
}

func decodeUUID(d *msgpack.Decoder, v reflect.Value) error {
	b, err := d.DecodeBytes()
	if err != nil {
		return fmt.Errorf("msgpack: can't read bytes on uuid decode: %w", err)
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return fmt.Errorf("msgpack: can't create uuid from bytes: %w", err)
	}
	v.Set(reflect.ValueOf(id))
	return nil
}

func encodeDecimal(e *msgpack.Encoder, v reflect.Value) error {
	number := v.Interface().(decimal.Decimal)
	return e.EncodeString(number.String())
}

func decodeDecimal(d *msgpack.Decoder, v reflect.Value) error {
	s, err := d.DecodeString()
	if err != nil {
		return fmt.Errorf("msgpack: can't read string on decimal decode: %w", err)
	}
	number, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	v.Set(reflect.ValueOf(number))
	return nil
}

// Datetimes are kept as seconds and nanoseconds since Unix Epoch, in UTC.
func encodeDatetime(e *msgpack.Encoder, v reflect.Value) error {
	tm := v.Interface().(time.Time)
	if err := e.EncodeInt64(tm.Unix()); err != nil {
		return err
	}
	return e.EncodeInt64(int64(tm.Nanosecond()))
}

func decodeDatetime(d *msgpack.Decoder, v reflect.Value) error {
	seconds, err := d.DecodeInt64()
	if err != nil {
		return fmt.Errorf("msgpack: can't read datetime seconds: %w", err)
	}
	nsec, err := d.DecodeInt64()
	if err != nil {
		return fmt.Errorf("msgpack: can't read datetime nanoseconds: %w", err)
	}
	v.Set(reflect.ValueOf(time.Unix(seconds, nsec).UTC()))
	return nil
}

// The types are registered with plain encoders, not as msgpack extensions:
// a typed decoder receives the value at the payload, without an ext header.
func init() {
	msgpack.Register(reflect.TypeOf((*uuid.UUID)(nil)).Elem(), encodeUUID, decodeUUID)
	msgpack.Register(reflect.TypeOf((*decimal.Decimal)(nil)).Elem(), encodeDecimal, decodeDecimal)
	msgpack.Register(reflect.TypeOf((*time.Time)(nil)).Elem(), encodeDatetime, decodeDatetime)
}
