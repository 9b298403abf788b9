package transport

import "encoding/binary"

// No .proto definitions for ClientHello/APResponse/ClientResponse*
// survived in the retrieval pack, and no protobuf library is wired
// into this module (see DESIGN.md): these messages use a minimal
// length-prefixed field encoding instead of real protobuf wire format.
// The framing (spec.md §4.9 steps 3/5/6, §6's bit-exact packet
// prefixes) is unaffected - only the payload encoding inside each
// frame is a simplification.

type clientHello struct {
	gc          []byte // DH public key
	clientNonce [16]byte
}

func (h clientHello) encode() []byte {
	buf := make([]byte, 0, 4+len(h.gc)+16)
	buf = appendLenPrefixed(buf, h.gc)
	buf = append(buf, h.clientNonce[:]...)
	return buf
}

type apResponse struct {
	gs []byte // server DH public key
}

func decodeAPResponse(b []byte) (apResponse, error) {
	gs, _, err := readLenPrefixed(b, 0)
	if err != nil {
		return apResponse{}, err
	}
	return apResponse{gs: gs}, nil
}

type clientResponsePlaintext struct {
	challenge [20]byte
}

func (r clientResponsePlaintext) encode() []byte {
	return append([]byte{}, r.challenge[:]...)
}

// clientResponseEncrypted carries the login credentials, device/system
// info, and is sent as a Shannon-framed LOGIN message (spec.md §4.9
// step 6).
type clientResponseEncrypted struct {
	username string
	authType byte
	authData []byte
	deviceID string
}

func (r clientResponseEncrypted) encode() []byte {
	var buf []byte
	buf = appendLenPrefixed(buf, []byte(r.username))
	buf = append(buf, r.authType)
	buf = appendLenPrefixed(buf, r.authData)
	buf = appendLenPrefixed(buf, []byte(r.deviceID))
	return buf
}

// apWelcome is the successful LOGIN reply (spec.md §4.9 step 6):
// canonical username plus a fresh reusable credentials blob.
type apWelcome struct {
	canonicalUsername   string
	reusableCredentials []byte
}

func decodeAPWelcome(b []byte) (apWelcome, error) {
	username, rest, err := readLenPrefixed(b, 0)
	if err != nil {
		return apWelcome{}, err
	}
	creds, _, err := readLenPrefixed(rest, 0)
	if err != nil {
		return apWelcome{}, err
	}
	return apWelcome{canonicalUsername: string(username), reusableCredentials: creds}, nil
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, field...)
}

// readLenPrefixed reads one be_u32-length-prefixed field from b at
// offset, returning the field and the remaining unread tail.
func readLenPrefixed(b []byte, offset int) (field, rest []byte, err error) {
	if offset+4 > len(b) {
		return nil, nil, errShortMessage
	}
	n := binary.BigEndian.Uint32(b[offset : offset+4])
	start := offset + 4
	end := start + int(n)
	if end > len(b) {
		return nil, nil, errShortMessage
	}
	return b[start:end], b[end:], nil
}
