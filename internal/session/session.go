// Package session implements C10 SessionDispatcher: a decode goroutine
// (which also dispatches each message) and an encode goroutine
// multiplexing a single transport
// connection across PING/PONG, country-code, AudioKey, and Mercury
// sub-protocols (spec.md §4.10).
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/psst-go/corestream/internal/transport"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// Wire command bytes named in spec.md §4.10/§6.
const (
	cmdPing           byte = 0x04
	cmdPong           byte = 0x49
	cmdCountryCode    byte = 0x1b
	cmdAESKeyRequest  byte = 0x0c
	cmdAESKey         byte = 0x0d
	cmdAESKeyError    byte = 0x0e
	cmdMercuryRequest byte = 0xb2
)

// outboundMessage is one [cmd, payload] pair queued for the encoder
// goroutine.
type outboundMessage struct {
	cmd     byte
	payload []byte
}

// audioKeyResult is delivered on a request's one-shot reply channel.
type audioKeyResult struct {
	key coretypes.AudioKey
	err error
}

// mercuryResult is delivered once all parts of a Mercury response have
// been reassembled.
type mercuryResult struct {
	parts [][]byte
	err   error
}

// Session owns one authenticated Transport and handles its traffic on
// two goroutines: decodeLoop reads and dispatches each message inline,
// encodeLoop writes queued outbound messages. There is no separate
// dispatcher goroutine.
type Session struct {
	conn  *transport.Transport
	debug bool

	outbound chan outboundMessage

	audioKeyTasks sync.Map // seq uint32 -> chan audioKeyResult
	mercuryTasks  sync.Map // seq uint64 -> *mercuryAssembly

	nextAudioKeySeq atomic.Uint32
	nextMercurySeq  atomic.Uint64

	countryCodeMu sync.Mutex
	countryCode   string

	terminated atomic.Bool
	doneCh     chan struct{}

	cancel context.CancelFunc
}

type mercuryAssembly struct {
	mu       sync.Mutex
	got      map[int][]byte
	resultCh chan mercuryResult
}

// Open wraps an authenticated Transport and starts the decode and
// encode goroutines. The caller retains ownership of conn's
// lifetime via Shutdown.
func Open(ctx context.Context, conn *transport.Transport, debug bool) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		conn:     conn,
		debug:    debug,
		outbound: make(chan outboundMessage, 64),
		doneCh:   make(chan struct{}),
		cancel:   cancel,
	}
	go s.decodeLoop(sessCtx)
	go s.encodeLoop(sessCtx)
	return s
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.debug {
		log.Printf("[SESSION %s] "+format, append([]interface{}{uuid.NewString()[:8]}, args...)...)
	}
}

// decodeLoop pulls Shannon messages off the wire and dispatches each
// to its sub-protocol handler (spec.md §4.10 "Decoder thread").
func (s *Session) decodeLoop(ctx context.Context) {
	defer s.terminate()
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, body, err := s.conn.ReadMessage()
		if err != nil {
			s.logf("decode loop exiting: %v", err)
			return
		}
		s.dispatch(cmd, body)
	}
}

// encodeLoop drains the outbound queue and writes each message in
// order (spec.md §4.10 "Encoder thread").
func (s *Session) encodeLoop(ctx context.Context) {
	defer s.terminate()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(msg.cmd, msg.payload); err != nil {
				s.logf("encode loop exiting: %v", err)
				return
			}
		}
	}
}

// dispatch is the per-message routing, owning all pending-request
// correlation state. It runs on the decode goroutine, called once per
// message read.
func (s *Session) dispatch(cmd byte, body []byte) {
	switch cmd {
	case cmdPing:
		s.send(cmdPong, []byte{0, 0, 0, 0})
	case cmdCountryCode:
		s.countryCodeMu.Lock()
		s.countryCode = string(body)
		s.countryCodeMu.Unlock()
	case cmdAESKey:
		s.completeAudioKey(body, nil)
	case cmdAESKeyError:
		s.completeAudioKey(body, fmt.Errorf("session: audio key error"))
	case cmdMercuryRequest:
		s.handleMercuryPart(body)
	default:
		s.logf("unhandled command 0x%02x (%d bytes)", cmd, len(body))
	}
}

func (s *Session) send(cmd byte, payload []byte) {
	select {
	case s.outbound <- outboundMessage{cmd: cmd, payload: payload}:
	default:
		s.logf("outbound queue full, dropping cmd 0x%02x", cmd)
	}
}

// CountryCode returns the two-letter code the server has sent, if any
// (spec.md §4.10 "COUNTRY_CODE").
func (s *Session) CountryCode() (string, bool) {
	s.countryCodeMu.Lock()
	defer s.countryCodeMu.Unlock()
	return s.countryCode, s.countryCode != ""
}

// RequestAudioKey sends an AES_KEY_REQUEST and blocks for the matching
// AES_KEY/AES_KEY_ERROR reply, correlated by sequence number (spec.md
// §4.10 "AudioKey").
func (s *Session) RequestAudioKey(ctx context.Context, file coretypes.FileId, item coretypes.ItemId) (coretypes.AudioKey, error) {
	seq := s.nextAudioKeySeq.Add(1)

	payload := make([]byte, 0, 20+16+4+2)
	payload = append(payload, file[:]...)
	payload = append(payload, item.Bytes[:]...)
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	payload = append(payload, seqBuf[:]...)
	payload = append(payload, 0x00, 0x00)

	replyCh := make(chan audioKeyResult, 1)
	s.audioKeyTasks.Store(seq, replyCh)
	defer s.audioKeyTasks.Delete(seq)

	s.send(cmdAESKeyRequest, payload)

	select {
	case <-ctx.Done():
		return coretypes.AudioKey{}, ctx.Err()
	case res := <-replyCh:
		return res.key, res.err
	}
}

func (s *Session) completeAudioKey(body []byte, protoErr error) {
	if len(body) < 4 {
		return
	}
	seq := binary.BigEndian.Uint32(body[0:4])
	v, ok := s.audioKeyTasks.Load(seq)
	if !ok {
		s.logf("audio key reply for unknown seq %d", seq)
		return
	}
	ch := v.(chan audioKeyResult)
	if protoErr != nil {
		ch <- audioKeyResult{err: protoErr}
		return
	}
	if len(body) < 4+16 {
		ch <- audioKeyResult{err: fmt.Errorf("session: short AES_KEY body")}
		return
	}
	var key coretypes.AudioKey
	copy(key[:], body[4:20])
	ch <- audioKeyResult{key: key}
}

// RequestMercury sends a Mercury request (header + payload parts,
// framed per spec.md §4.10) and waits for full reassembly of the
// response, which may arrive split across several Shannon frames.
func (s *Session) RequestMercury(ctx context.Context, header []byte, parts [][]byte) ([][]byte, error) {
	seq := s.nextMercurySeq.Add(1)

	var buf []byte
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, 0x01) // flags: final part (single-shot request)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(1+len(parts)))
	buf = append(buf, countBuf[:]...)
	buf = appendMercuryPart(buf, header)
	for _, p := range parts {
		buf = appendMercuryPart(buf, p)
	}

	resultCh := make(chan mercuryResult, 1)
	assembly := &mercuryAssembly{got: make(map[int][]byte), resultCh: resultCh}
	s.mercuryTasks.Store(seq, assembly)
	defer s.mercuryTasks.Delete(seq)

	s.send(cmdMercuryRequest, buf)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.parts, res.err
	}
}

func appendMercuryPart(buf, part []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(part)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, part...)
}

// handleMercuryPart reassembles one inbound Mercury envelope, per
// spec.md §4.10: "[be_u64 seq][flags u8][be_u16 part_count]" followed
// by that many "[be_u16 part_len][part_bytes]" fields, where flags
// bit 0x01 marks the final envelope for that seq.
func (s *Session) handleMercuryPart(body []byte) {
	if len(body) < 11 {
		s.logf("short mercury envelope: %d bytes", len(body))
		return
	}
	seq := binary.BigEndian.Uint64(body[0:8])
	flags := body[8]
	partCount := int(binary.BigEndian.Uint16(body[9:11]))

	v, ok := s.mercuryTasks.Load(seq)
	if !ok {
		s.logf("mercury reply for unknown seq %d", seq)
		return
	}
	assembly := v.(*mercuryAssembly)

	rest := body[11:]
	parts := make([][]byte, 0, partCount)
	for i := 0; i < partCount; i++ {
		if len(rest) < 2 {
			assembly.deliver(nil, fmt.Errorf("session: truncated mercury part %d", i))
			return
		}
		partLen := int(binary.BigEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < partLen {
			assembly.deliver(nil, fmt.Errorf("session: truncated mercury part body %d", i))
			return
		}
		parts = append(parts, rest[:partLen])
		rest = rest[partLen:]
	}

	assembly.mu.Lock()
	base := len(assembly.got)
	for i, p := range parts {
		assembly.got[base+i] = p
	}
	final := flags&0x01 != 0
	assembly.mu.Unlock()

	if final {
		ordered := make([][]byte, len(assembly.got))
		assembly.mu.Lock()
		for i, p := range assembly.got {
			ordered[i] = p
		}
		assembly.mu.Unlock()
		assembly.deliver(ordered, nil)
	}
}

func (a *mercuryAssembly) deliver(parts [][]byte, err error) {
	select {
	case a.resultCh <- mercuryResult{parts: parts, err: err}:
	default:
	}
}

// Terminated reports whether the decode or encode goroutine has
// exited (spec.md §4.10 "Shutdown": "the terminated flag becomes
// observable to the session-service owner").
func (s *Session) Terminated() bool { return s.terminated.Load() }

func (s *Session) terminate() {
	if s.terminated.CompareAndSwap(false, true) {
		close(s.doneCh)
	}
}

// Done is closed once either direction has terminated.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Shutdown closes the TCP stream in both directions, per spec.md
// §4.10: encoder and decoder threads exit on the resulting error.
func (s *Session) Shutdown() error {
	s.cancel()
	err := s.conn.Close()
	s.terminate()
	return err
}
