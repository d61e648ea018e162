package sentencepiece

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is one decoded field of a protobuf message. Varint and fixed values are kept in Scalar,
// length delimited values in Bytes.
type Message struct {
	Number protowire.Number
	Type   protowire.Type
	Scalar uint64
	Bytes  []byte
}

func (m Message) String() string {
	if m.Type == protowire.BytesType {
		return fmt.Sprintf("%d: { %d bytes }", m.Number, len(m.Bytes))
	}
	return fmt.Sprintf("%d: { %d }", m.Number, m.Scalar)
}

func (m Message) Bool() bool {
	return m.Scalar != 0
}

func (m Message) Int32() int32 {
	return int32(m.Scalar)
}

func (m Message) Float32() float32 {
	return math.Float32frombits(uint32(m.Scalar))
}

func (m Message) Text() string {
	return string(m.Bytes)
}

// ProtoDescriptor maps field numbers of a message to the functions filling the target object.
// Fields without a processor are skipped.
type ProtoDescriptor[T any] struct {
	MessageProcessorFns map[protowire.Number]func(*T, Message) error
}

func (pd ProtoDescriptor[T]) Unmarshal(b []byte, target *T) error {
	return readMessages(b, func(message Message) error {
		fn, ok := pd.MessageProcessorFns[message.Number]
		if !ok {
			return nil
		}
		return fn(target, message)
	})
}

func readMessages(b []byte, fn func(Message) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("cannot read protobuf tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		message := Message{Number: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			message.Scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			message.Scalar = uint64(v)
		case protowire.Fixed64Type:
			message.Scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			message.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("cannot read protobuf field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(message); err != nil {
			return err
		}
	}
	return nil
}
