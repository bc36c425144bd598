// Package kv provides the namespaced key-value context store backed by
// Redis.
//
// Values are msgpack-encoded with extension types for timestamps and uuids.
// The store carries chatbot session state, broadcast fire-time triggers, and
// short-lived caches; key TTL expiry doubles as the broadcast scheduler's
// firing signal.
package kv

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Extension type ids on the wire. Timestamps are 8-byte big-endian unix
// nanoseconds and always decode in UTC so values survive round trips across
// hosts with different local zones.
const (
	extIDTime int8 = 1
	extIDUUID int8 = 2
)

func init() {
	msgpack.RegisterExtEncoder(extIDTime, time.Time{}, encodeTimeExt)
	msgpack.RegisterExtDecoder(extIDTime, time.Time{}, decodeTimeExt)
	msgpack.RegisterExtEncoder(extIDUUID, uuid.UUID{}, encodeUUIDExt)
	msgpack.RegisterExtDecoder(extIDUUID, uuid.UUID{}, decodeUUIDExt)
}

func encodeTimeExt(e *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	t := v.Interface().(time.Time)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UTC().UnixNano()))
	return b, nil
}

func decodeTimeExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 8 {
		return fmt.Errorf("invalid time extension length %d", extLen)
	}
	b := make([]byte, extLen)
	if _, err := io.ReadFull(d.Buffered(), b); err != nil {
		return err
	}
	ns := int64(binary.BigEndian.Uint64(b))
	v.Set(reflect.ValueOf(time.Unix(0, ns).UTC()))
	return nil
}

func encodeUUIDExt(e *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	id := v.Interface().(uuid.UUID)
	return id[:], nil
}

func decodeUUIDExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 16 {
		return fmt.Errorf("invalid uuid extension length %d", extLen)
	}
	b := make([]byte, extLen)
	if _, err := io.ReadFull(d.Buffered(), b); err != nil {
		return err
	}
	var id uuid.UUID
	copy(id[:], b)
	v.Set(reflect.ValueOf(id))
	return nil
}

// Marshal encodes a value into the store's binary wire form.
func Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

// Unmarshal decodes the store's binary wire form into dest.
func Unmarshal(data []byte, dest interface{}) error {
	if err := msgpack.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}
