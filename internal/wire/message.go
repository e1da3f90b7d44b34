package wire

import "fmt"

// MsgType tags the message envelope.
type MsgType byte

const (
	MsgHello MsgType = iota + 1
	MsgHelloAck
	MsgAnnounce
	MsgBubble
	MsgStreamOpen
	MsgStreamData
	MsgStreamEnd
	MsgStreamError
	MsgStreamCancel
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgHelloAck:
		return "hello_ack"
	case MsgAnnounce:
		return "announce"
	case MsgBubble:
		return "bubble"
	case MsgStreamOpen:
		return "stream_open"
	case MsgStreamData:
		return "stream_data"
	case MsgStreamEnd:
		return "stream_end"
	case MsgStreamError:
		return "stream_error"
	case MsgStreamCancel:
		return "stream_cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is the tagged envelope carried inside every frame. ID is the
// stream correlation id or the bubble event id. Visited is the bubble
// traversal header, ordered oldest first; empty for non-bubble types.
type Message struct {
	Type    MsgType
	ID      string
	Visited []string
	Payload []byte
}

// EncodeMessage serializes a message envelope to frame payload bytes.
func EncodeMessage(m Message) []byte {
	buf := make([]byte, 0, 1+4+len(m.ID)+len(m.Payload)+16)
	buf = append(buf, byte(m.Type))
	buf = appendString(buf, m.ID)
	buf = appendUint32(buf, uint32(len(m.Visited)))
	for _, name := range m.Visited {
		buf = appendString(buf, name)
	}
	return append(buf, m.Payload...)
}

// DecodeMessage parses one frame payload into a message envelope.
func DecodeMessage(buf []byte) (Message, error) {
	d := newDecoder(buf)
	m := Message{Type: MsgType(d.Byte())}
	m.ID = d.String()
	n := d.Uint32()
	if d.Err() == nil && n > 0 {
		if n > 4096 {
			return Message{}, fmt.Errorf("%w: visited list of %d entries", ErrProtocol, n)
		}
		m.Visited = make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			m.Visited = append(m.Visited, d.String())
		}
	}
	m.Payload = d.Rest()
	if err := d.Err(); err != nil {
		return Message{}, err
	}
	if m.Type < MsgHello || m.Type > MsgStreamCancel {
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrProtocol, byte(m.Type))
	}
	return m, nil
}

// Hello is the handshake payload either side sends first. Sig is an
// Ed25519 signature over the SHA3-256 transcript digest binding the
// sender's name, identity key, ephemeral key and both nonces.
type Hello struct {
	Name         string
	IdentityPub  []byte
	EphemeralPub []byte
	Nonce        []byte
	Sig          []byte
}

// EncodeHello serializes a handshake payload.
func EncodeHello(h Hello) []byte {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, h.Name)
	buf = appendBytes(buf, h.IdentityPub)
	buf = appendBytes(buf, h.EphemeralPub)
	buf = appendBytes(buf, h.Nonce)
	buf = appendBytes(buf, h.Sig)
	return buf
}

// DecodeHello parses a handshake payload.
func DecodeHello(buf []byte) (Hello, error) {
	d := newDecoder(buf)
	h := Hello{
		Name:         d.String(),
		IdentityPub:  d.Bytes(),
		EphemeralPub: d.Bytes(),
		Nonce:        d.Bytes(),
		Sig:          d.Bytes(),
	}
	if err := d.Err(); err != nil {
		return Hello{}, err
	}
	if h.Name == "" {
		return Hello{}, fmt.Errorf("%w: hello without node name", ErrProtocol)
	}
	return h, nil
}

// StreamOpen asks the receiving node to stream a file from its merged
// tree. Path is relative to the receiver's root. Start/End are an
// inclusive byte range, valid only when HasRange is set.
type StreamOpen struct {
	Path     string
	HasRange bool
	Start    int64
	End      int64
}

// EncodeStreamOpen serializes a stream-open request payload.
func EncodeStreamOpen(s StreamOpen) []byte {
	buf := make([]byte, 0, 32+len(s.Path))
	buf = appendString(buf, s.Path)
	buf = appendBool(buf, s.HasRange)
	buf = appendUint64(buf, uint64(s.Start))
	buf = appendUint64(buf, uint64(s.End))
	return buf
}

// DecodeStreamOpen parses a stream-open request payload.
func DecodeStreamOpen(buf []byte) (StreamOpen, error) {
	d := newDecoder(buf)
	s := StreamOpen{
		Path:     d.String(),
		HasRange: d.Bool(),
		Start:    int64(d.Uint64()),
		End:      int64(d.Uint64()),
	}
	if err := d.Err(); err != nil {
		return StreamOpen{}, err
	}
	return s, nil
}

// EncodeStreamError serializes a stream failure reason.
func EncodeStreamError(reason string) []byte {
	return appendString(nil, reason)
}

// DecodeStreamError parses a stream failure reason.
func DecodeStreamError(buf []byte) (string, error) {
	d := newDecoder(buf)
	reason := d.String()
	return reason, d.Err()
}

// EncodeBubble wraps a bubble payload with the per-broadcast instance
// id used to deduplicate copies arriving over different links.
func EncodeBubble(instance string, payload []byte) []byte {
	buf := appendString(make([]byte, 0, 4+len(instance)+len(payload)), instance)
	return append(buf, payload...)
}

// DecodeBubble splits a bubble payload into instance id and payload.
func DecodeBubble(buf []byte) (string, []byte, error) {
	d := newDecoder(buf)
	instance := d.String()
	payload := d.Rest()
	if err := d.Err(); err != nil {
		return "", nil, err
	}
	if instance == "" {
		return "", nil, fmt.Errorf("%w: bubble without instance id", ErrProtocol)
	}
	return instance, payload, nil
}
