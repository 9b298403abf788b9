package transport

import (
	"encoding/binary"
	"errors"
	"io"
)

var errShortMessage = errors.New("transport: short message")

// helloPrefix is the 2-byte magic the initial hello packet carries
// before its size, per spec.md §6: "0x00 0x04 || be_u32 total_size".
var helloPrefix = [2]byte{0x00, 0x04}

// writeHelloPacket frames the initial ClientHello packet.
func writeHelloPacket(w io.Writer, payload []byte) ([]byte, error) {
	buf := make([]byte, 0, 2+4+len(payload))
	buf = append(buf, helloPrefix[:]...)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(2+4+len(payload)))
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return buf, err
}

// readFramedPacket reads a subsequent framed packet: be_u32 total_size
// followed by payload (spec.md §6). Returns the raw bytes read
// (size-prefix included) for use in HMAC key derivation, and the
// payload alone.
func readFramedPacket(r io.Reader) (raw, payload []byte, err error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, nil, err
	}
	total := binary.BigEndian.Uint32(sizeBuf[:])
	if total < 4 {
		return nil, nil, errShortMessage
	}
	payload = make([]byte, total-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}
	raw = append(append([]byte{}, sizeBuf[:]...), payload...)
	return raw, payload, nil
}

// shannonMessage is one decoded [cmd][payload] pair after MAC
// verification and decryption (spec.md §4.9's "Shannon framing").
type shannonMessage struct {
	cmd     byte
	payload []byte
}

// writeShannonMessage encrypts and frames one message: [u8 cmd][be_u16
// payload_len][payload][4-byte MAC] (spec.md §6).
func writeShannonMessage(w io.Writer, cipher *Shannon, nonce uint32, cmd byte, payload []byte) error {
	cipher.Nonce(nonce)

	header := []byte{cmd, byte(len(payload) >> 8), byte(len(payload))}
	body := append(append([]byte{}, header...), payload...)
	cipher.Encrypt(body)
	mac := cipher.Finish()

	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := w.Write(mac[:])
	return err
}

// readShannonMessage reads, decrypts, and MAC-verifies one message.
func readShannonMessage(r io.Reader, cipher *Shannon, nonce uint32) (shannonMessage, error) {
	cipher.Nonce(nonce)

	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return shannonMessage{}, err
	}
	cipher.Decrypt(header[:])
	cmd := header[0]
	length := int(header[1])<<8 | int(header[2])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return shannonMessage{}, err
	}
	cipher.Decrypt(payload)

	var gotMac [4]byte
	if _, err := io.ReadFull(r, gotMac[:]); err != nil {
		return shannonMessage{}, err
	}
	wantMac := cipher.Finish()
	if gotMac != wantMac {
		return shannonMessage{}, errors.New("transport: MAC verification failed")
	}
	return shannonMessage{cmd: cmd, payload: payload}, nil
}
