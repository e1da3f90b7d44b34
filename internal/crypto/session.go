package crypto

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	labelMaster    = "medimesh:kdf:v1"
	labelDialKey   = "medimesh:dial:v1"
	labelAcceptKey = "medimesh:accept:v1"
	labelNonceDial = "medimesh:ns:dial:v1"
	labelNonceAcc  = "medimesh:ns:accept:v1"
)

// Session encrypts and decrypts link traffic after the handshake. The
// dialer seals with the dial-direction key and opens with the accept
// direction; the accepting side is constructed mirrored. Each side
// keeps independent send/receive counters; nonce = base XOR counter.
type Session struct {
	sendKey   []byte
	recvKey   []byte
	nonceSend []byte
	nonceRecv []byte
	sendCtr   uint64
	recvCtr   uint64
}

// NewSession derives directional session keys from the ECDH shared
// secret and the handshake transcript digest.
func NewSession(shared, transcript []byte, dialer bool) (*Session, error) {
	if len(shared) == 0 || len(transcript) == 0 {
		return nil, errors.New("empty key material")
	}
	master := KDF(labelMaster, shared, transcript)
	dialKey := KDF(labelDialKey, master)
	acceptKey := KDF(labelAcceptKey, master)
	nonceDial := KDF(labelNonceDial, master)[:NonceSize]
	nonceAccept := KDF(labelNonceAcc, master)[:NonceSize]

	s := &Session{}
	if dialer {
		s.sendKey, s.recvKey = dialKey, acceptKey
		s.nonceSend, s.nonceRecv = nonceDial, nonceAccept
	} else {
		s.sendKey, s.recvKey = acceptKey, dialKey
		s.nonceSend, s.nonceRecv = nonceAccept, nonceDial
	}
	return s, nil
}

// Seal encrypts one outbound frame payload. Not safe for concurrent
// use; the link serializes writes.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sendKey)
	if err != nil {
		return nil, err
	}
	nonce := nonceFromBase(s.nonceSend, s.sendCtr)
	s.sendCtr++
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts one inbound frame payload. Frames arrive in send order
// on a stream transport, so the receive counter advances in lockstep.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.recvKey)
	if err != nil {
		return nil, err
	}
	nonce := nonceFromBase(s.nonceRecv, s.recvCtr)
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	s.recvCtr++
	return plain, nil
}

func nonceFromBase(base []byte, counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= tmp[i]
	}
	return nonce
}

// Transcript computes the handshake transcript digest both sides sign:
// the dialer's hello fields followed by the acceptor's.
func Transcript(dialName string, dialPub, dialEph, dialNonce []byte, acceptName string, acceptPub, acceptEph, acceptNonce []byte) []byte {
	buf := make([]byte, 0, 256)
	for _, part := range [][]byte{
		[]byte(dialName), dialPub, dialEph, dialNonce,
		[]byte(acceptName), acceptPub, acceptEph, acceptNonce,
	} {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(part)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, part...)
	}
	return SHA3(buf)
}

// HelloDigest is what the dialer signs before it has seen the
// acceptor's hello: its own fields bound to its nonce.
func HelloDigest(name string, pub, eph, nonce []byte) []byte {
	return Transcript(name, pub, eph, nonce, "", nil, nil, nil)
}
