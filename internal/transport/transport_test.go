package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestShannonEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("hello access point, this is a test payload")

	enc := NewShannon(key)
	enc.Nonce(0)
	buf := append([]byte{}, plaintext...)
	enc.Encrypt(buf)
	encMac := enc.Finish()

	dec := NewShannon(key)
	dec.Nonce(0)
	dec.Decrypt(buf)
	decMac := dec.Finish()

	if !bytes.Equal(buf, plaintext) {
		t.Fatalf("decrypted = %q, want %q", buf, plaintext)
	}
	if encMac != decMac {
		t.Fatalf("MAC mismatch: %x vs %x", encMac, decMac)
	}
}

func TestShannonNonceResetsState(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	c := NewShannon(key)

	c.Nonce(5)
	first := append([]byte{}, []byte("message one")...)
	c.Encrypt(first)
	c.Finish()

	c.Nonce(5)
	second := append([]byte{}, []byte("message one")...)
	c.Encrypt(second)
	c.Finish()

	if !bytes.Equal(first, second) {
		t.Fatalf("same nonce should produce identical keystream: %x vs %x", first, second)
	}
}

func TestDeriveKeysProducesDistinctKeys(t *testing.T) {
	shared := bytes.Repeat([]byte{0x11}, 96)
	hello := []byte("hello-packet")
	resp := []byte("ap-response-packet")

	keys := deriveKeys(shared, hello, resp)
	if keys.sendKey == keys.recvKey {
		t.Fatalf("send and recv keys should differ")
	}
	var zero [20]byte
	if keys.challenge == zero {
		t.Fatalf("challenge should not be all-zero")
	}
}

func TestResolveAPsFallsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	aps := resolveAPs(context.Background(), srv.Client(), srv.URL)
	if len(aps) != 1 || aps[0] != fallbackAP {
		t.Fatalf("expected fallback AP, got %v", aps)
	}
}

func TestResolveAPsParsesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{
			"ap_list": {"ap-1.example.com:443", "ap-2.example.com:443"},
		})
	}))
	defer srv.Close()

	aps := resolveAPs(context.Background(), srv.Client(), srv.URL)
	if len(aps) != 2 || aps[0] != "ap-1.example.com:443" {
		t.Fatalf("unexpected ap list: %v", aps)
	}
}

func TestClientResponseEncryptedRoundTripsThroughLenPrefixing(t *testing.T) {
	msg := clientResponseEncrypted{
		username: "someone",
		authType: 1,
		authData: []byte{1, 2, 3, 4},
		deviceID: "device-123",
	}
	encoded := msg.encode()

	username, rest, err := readLenPrefixed(encoded, 0)
	if err != nil {
		t.Fatalf("readLenPrefixed username: %v", err)
	}
	if string(username) != msg.username {
		t.Fatalf("username = %q, want %q", username, msg.username)
	}
	authType := rest[0]
	if authType != msg.authType {
		t.Fatalf("authType = %d, want %d", authType, msg.authType)
	}
}

func TestDecodeAPWelcomeRoundTrip(t *testing.T) {
	var buf []byte
	buf = appendLenPrefixed(buf, []byte("canonical-user"))
	buf = appendLenPrefixed(buf, []byte{0xde, 0xad, 0xbe, 0xef})

	welcome, err := decodeAPWelcome(buf)
	if err != nil {
		t.Fatalf("decodeAPWelcome: %v", err)
	}
	if welcome.canonicalUsername != "canonical-user" {
		t.Fatalf("canonicalUsername = %q", welcome.canonicalUsername)
	}
	if !bytes.Equal(welcome.reusableCredentials, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("reusableCredentials = %x", welcome.reusableCredentials)
	}
}

func TestWriteAndReadShannonMessageRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x99}, 32)
	var wire bytes.Buffer

	sender := NewShannon(key)
	if err := writeShannonMessage(&wire, sender, 0, cmdPing, []byte("ping-body")); err != nil {
		t.Fatalf("writeShannonMessage: %v", err)
	}

	receiver := NewShannon(key)
	msg, err := readShannonMessage(&wire, receiver, 0)
	if err != nil {
		t.Fatalf("readShannonMessage: %v", err)
	}
	if msg.cmd != cmdPing {
		t.Fatalf("cmd = 0x%02x, want 0x%02x", msg.cmd, cmdPing)
	}
	if string(msg.payload) != "ping-body" {
		t.Fatalf("payload = %q", msg.payload)
	}
}
