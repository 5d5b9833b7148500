package protocol

// Diff-exchange framing. A buffer is a flat sequence of messages:
//
//	[kind:varuint][subKind:varuint][len(payload):varuint][payload]
//
// There is no version byte. Both ends agree out of band on the single
// recognized kind and its three subkinds.

const KindSync = uint32(0)

const (
	// "what do you have" - payload is the sender's state vector
	SyncStateVectorRequest = uint32(0)
	// "here is what you're missing" - payload is a diff
	SyncDiffResponse = uint32(1)
	// "apply this unconditionally"
	SyncUpdateBroadcast = uint32(2)
)

type Message struct {
	Kind    uint32
	SubKind uint32
	Payload []byte
}

// EncodeMessage frames one message. The result can be concatenated with
// other encoded messages into a single buffer.
func EncodeMessage(kind uint32, subKind uint32, payload []byte) []byte {
	b := make([]byte, 0, 12+len(payload))
	b = AppendVaruint(b, kind)
	b = AppendVaruint(b, subKind)
	b = AppendVaruint(b, uint32(len(payload)))
	return append(b, payload...)
}

// DecodeMessages decodes as many complete messages as b contains.
// Decoding is defensive: an unrecognized kind is skipped one byte at a time
// (real producers never emit one), and truncation at any point ends the
// parse with the messages decoded so far. DecodeMessages never fails.
func DecodeMessages(b []byte) []Message {
	messages := []Message{}
	for 0 < len(b) {
		kind, n := ReadVaruint(b)
		if n <= 0 {
			// truncated or invalid varuint
			return messages
		}
		if kind != KindSync {
			// noise byte, advance past it
			b = b[1:]
			continue
		}
		b = b[n:]

		subKind, n := ReadVaruint(b)
		if n <= 0 {
			return messages
		}
		b = b[n:]

		payloadLen, n := ReadVaruint(b)
		if n <= 0 {
			return messages
		}
		b = b[n:]

		if len(b) < int(payloadLen) {
			// truncated payload
			return messages
		}
		messages = append(messages, Message{
			Kind:    kind,
			SubKind: subKind,
			Payload: b[0:payloadLen],
		})
		b = b[payloadLen:]
	}
	return messages
}
