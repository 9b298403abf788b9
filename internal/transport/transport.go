// Package transport implements C9 Transport: AP resolution with
// fallback, the encrypted connection handshake (DH key exchange,
// HMAC-SHA1 derivation, Shannon stream cipher), and authentication.
//
// Ported from psst-core/src/connection/mod.rs. See DESIGN.md for the
// full grounding note.
package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/psst-go/corestream/pkg/coretypes"
)

const apResolveURL = "http://apresolve.spotify.com"

// Config bundles the dial/proxy options a Transport connects with.
type Config struct {
	SocksProxyAddr string
	DeviceID       string
	Debug          bool
}

// Transport is one authenticated, encrypted connection to an access
// point, ready for internal/session to multiplex requests over.
type Transport struct {
	Conn       net.Conn
	SendCipher *Shannon
	RecvCipher *Shannon

	CanonicalUsername string
	ReusableAuth      []byte

	sendNonce uint32
	recvNonce uint32

	debug bool
}

func (t *Transport) logf(format string, args ...interface{}) {
	if t.debug {
		log.Printf("[TRANSPORT] "+format, args...)
	}
}

// WriteMessage sends one Shannon-framed message, advancing the send
// nonce (spec.md §4.9's "nonce is a monotonic message counter").
func (t *Transport) WriteMessage(cmd byte, payload []byte) error {
	if err := t.Conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	err := writeShannonMessage(t.Conn, t.SendCipher, t.sendNonce, cmd, payload)
	if err == nil {
		t.sendNonce++
	}
	return err
}

// ReadMessage receives and decrypts one Shannon-framed message. It
// blocks without a deadline: an authenticated session can sit idle for
// minutes between server PINGs.
func (t *Transport) ReadMessage() (byte, []byte, error) {
	msg, err := readShannonMessage(t.Conn, t.RecvCipher, t.recvNonce)
	if err != nil {
		return 0, nil, err
	}
	t.recvNonce++
	return msg.cmd, msg.payload, nil
}

// Close tears down the underlying connection in both directions
// (spec.md §4.10 "Shutdown").
func (t *Transport) Close() error { return t.Conn.Close() }

// Connect resolves an access point, performs the DH handshake and key
// derivation, and authenticates with creds, returning a ready
// Transport (spec.md §4.9 steps 1-6).
func Connect(ctx context.Context, creds coretypes.Credentials, cfg Config) (*Transport, error) {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.Logger = nil

	aps := resolveAPs(ctx, httpClient.StandardClient(), apResolveURL)

	conn, err := connectAny(ctx, aps, dialOptions{SocksProxyAddr: cfg.SocksProxyAddr})
	if err != nil {
		return nil, err
	}

	t := &Transport{Conn: conn, debug: cfg.Debug}
	if err := t.handshake(ctx, creds, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	// The handshake-wide deadline set in handshake() must not outlive
	// it, or the first idle stretch would sever the session.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) handshake(ctx context.Context, creds coretypes.Credentials, cfg Config) error {
	kp, err := generateDHKeyPair()
	if err != nil {
		return fmt.Errorf("transport: generate dh keypair: %w", err)
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("transport: client nonce: %w", err)
	}
	hello := clientHello{gc: kp.public.Bytes(), clientNonce: nonce}

	if err := t.Conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	helloPacket, err := writeHelloPacket(t.Conn, hello.encode())
	if err != nil {
		return fmt.Errorf("transport: write hello: %w", err)
	}

	apRespPacket, payload, err := readFramedPacket(t.Conn)
	if err != nil {
		return fmt.Errorf("transport: read ap response: %w", err)
	}
	apResp, err := decodeAPResponse(payload)
	if err != nil {
		return fmt.Errorf("transport: decode ap response: %w", err)
	}

	peerPublic := new(big.Int).SetBytes(apResp.gs)
	shared := kp.sharedSecret(peerPublic)
	keys := deriveKeys(shared, helloPacket, apRespPacket)

	t.SendCipher = NewShannon(keys.sendKey[:])
	t.RecvCipher = NewShannon(keys.recvKey[:])

	plaintext := clientResponsePlaintext{challenge: keys.challenge}
	if _, err := t.Conn.Write(plaintext.encode()); err != nil {
		return fmt.Errorf("transport: write client response plaintext: %w", err)
	}

	authType, authData := byte(0), creds.AuthData
	if creds.AuthType == coretypes.AuthTypeStoredCredentials {
		authType = 1
	}
	encReq := clientResponseEncrypted{
		username: creds.Username,
		authType: authType,
		authData: authData,
		deviceID: cfg.DeviceID,
	}
	if err := t.WriteMessage(cmdLogin, encReq.encode()); err != nil {
		return fmt.Errorf("transport: send login: %w", err)
	}

	cmd, body, err := t.ReadMessage()
	if err != nil {
		return fmt.Errorf("transport: read login reply: %w", err)
	}
	switch cmd {
	case cmdAPWelcome:
		welcome, err := decodeAPWelcome(body)
		if err != nil {
			return fmt.Errorf("transport: decode ap welcome: %w", err)
		}
		t.CanonicalUsername = welcome.canonicalUsername
		t.ReusableAuth = welcome.reusableCredentials
		t.logf("authenticated as %s", t.CanonicalUsername)
		return nil
	case cmdAuthFailure:
		return fmt.Errorf("transport: authentication failed")
	default:
		return fmt.Errorf("transport: unexpected reply command 0x%02x", cmd)
	}
}

// Command bytes named bit-exact in spec.md §6.
const (
	cmdLogin       = 0xab
	cmdAPWelcome   = 0xac
	cmdAuthFailure = 0xad
	cmdPing        = 0x04
	cmdPong        = 0x49
	cmdCountryCode = 0x1b
	cmdAESKeyReq   = 0x0c
	cmdAESKey      = 0x0d
	cmdAESKeyError = 0x0e
	cmdMercuryReq  = 0xb2
)

// HTTPClientForTokens returns a new retryablehttp-backed client (two
// retries, no logger) for web-facing (non-AP) HTTPS calls. internal/auth
// does not use it: its ClientToken and Login5 clients build their own.
func HTTPClientForTokens() *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.Logger = nil
	return c.StandardClient()
}
