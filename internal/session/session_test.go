package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/psst-go/corestream/internal/transport"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// pairedTransports returns two Transports sharing a net.Pipe, with
// send/recv Shannon keys crossed so each side decrypts what the other
// encrypts - enough to exercise dispatch without a real access point.
func pairedTransports(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	a, b := net.Pipe()

	keyAB := bytes.Repeat([]byte{0x11}, 32)
	keyBA := bytes.Repeat([]byte{0x22}, 32)

	clientT := &transport.Transport{
		Conn:       a,
		SendCipher: transport.NewShannon(keyAB),
		RecvCipher: transport.NewShannon(keyBA),
	}
	serverT := &transport.Transport{
		Conn:       b,
		SendCipher: transport.NewShannon(keyBA),
		RecvCipher: transport.NewShannon(keyAB),
	}
	return clientT, serverT
}

func TestSessionRepliesToPingWithPong(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	s := Open(context.Background(), client, false)
	defer s.Shutdown()

	if err := server.WriteMessage(cmdPing, nil); err != nil {
		t.Fatalf("server write ping: %v", err)
	}

	done := make(chan struct{})
	go func() {
		cmd, body, err := server.ReadMessage()
		if err != nil {
			t.Errorf("server read pong: %v", err)
			return
		}
		if cmd != cmdPong {
			t.Errorf("cmd = 0x%02x, want PONG", cmd)
		}
		if !bytes.Equal(body, []byte{0, 0, 0, 0}) {
			t.Errorf("pong body = %v, want zeros", body)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestSessionStoresCountryCode(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	s := Open(context.Background(), client, false)
	defer s.Shutdown()

	if err := server.WriteMessage(cmdCountryCode, []byte("US")); err != nil {
		t.Fatalf("server write country code: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cc, ok := s.CountryCode(); ok {
			if cc != "US" {
				t.Fatalf("country code = %q, want US", cc)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for country code")
}

func TestSessionRequestAudioKeyResolvesOnMatchingSeq(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	s := Open(context.Background(), client, false)
	defer s.Shutdown()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		cmd, body, err := server.ReadMessage()
		if err != nil || cmd != cmdAESKeyRequest {
			t.Errorf("unexpected request: cmd=0x%02x err=%v", cmd, err)
			return
		}
		seq := binary.BigEndian.Uint32(body[36:40])

		reply := make([]byte, 0, 20)
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], seq)
		reply = append(reply, seqBuf[:]...)
		reply = append(reply, bytes.Repeat([]byte{0xAB}, 16)...)
		if err := server.WriteMessage(cmdAESKey, reply); err != nil {
			t.Errorf("server write key: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var file coretypes.FileId
	var item coretypes.ItemId
	key, err := s.RequestAudioKey(ctx, file, item)
	if err != nil {
		t.Fatalf("RequestAudioKey: %v", err)
	}
	for _, b := range key {
		if b != 0xAB {
			t.Fatalf("key = %x, want all 0xAB", key)
		}
	}
	<-serverDone
}

func TestSessionMercuryReassemblesSingleFinalEnvelope(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	s := Open(context.Background(), client, false)
	defer s.Shutdown()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		cmd, body, err := server.ReadMessage()
		if err != nil || cmd != cmdMercuryRequest {
			t.Errorf("unexpected mercury request: cmd=0x%02x err=%v", cmd, err)
			return
		}
		seq := binary.BigEndian.Uint64(body[0:8])

		var envelope []byte
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		envelope = append(envelope, seqBuf[:]...)
		envelope = append(envelope, 0x01)
		var countBuf [2]byte
		binary.BigEndian.PutUint16(countBuf[:], 1)
		envelope = append(envelope, countBuf[:]...)
		envelope = appendMercuryPart(envelope, []byte("response-body"))

		if err := server.WriteMessage(cmdMercuryRequest, envelope); err != nil {
			t.Errorf("server write mercury response: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	parts, err := s.RequestMercury(ctx, []byte("header"), nil)
	if err != nil {
		t.Fatalf("RequestMercury: %v", err)
	}
	if len(parts) != 1 || string(parts[0]) != "response-body" {
		t.Fatalf("parts = %v, want [response-body]", parts)
	}
	<-serverDone
}
