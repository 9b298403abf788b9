// Package audiofmt implements C3 (Decryptor + HeaderSkip) and C4
// (Decoder): the per-file AES-CTR decryption layer, the normalization
// data / container header parsing, and the Ogg-Vorbis/MP3 decoders.
package audiofmt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// blockSize is the AES block size in bytes; the CTR counter advances
// once per block, so a byte offset maps to (offset/16, offset%16).
const blockSize = aes.BlockSize

var ErrShortKey = errors.New("audiofmt: audio key must be 16 bytes")

// Decrypt wraps a seekable storage reader with the service's per-file
// symmetric decryption: AES in CTR mode, keyed by the file's AudioKey,
// with the counter derived purely from the absolute byte offset so a
// Seek on the underlying reader needs no re-read from the start
// (spec.md §4.3). The exact original psst-core/src/audio/decrypt.rs
// was not present in the retrieval pack; this is implemented directly
// from spec.md's prose using Go's standard crypto/cipher CTR stream,
// re-keyed per read/seek rather than relying on cipher.StreamReader's
// forward-only XORKeyStream (which cannot seek backward without
// replaying the whole stream).
type Decrypt struct {
	block  cipher.Block
	reader io.ReadSeeker
}

// NewDecrypt constructs a decrypting reader over r, keyed by key.
func NewDecrypt(key coretypes.AudioKey, r io.ReadSeeker) (*Decrypt, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return &Decrypt{block: block, reader: r}, nil
}

// ivForOffset derives the CTR initial counter block for absolute byte
// offset off. The service's scheme treats the stream as one continuous
// AES-CTR keystream starting at counter 0, offset 0, big-endian.
func (d *Decrypt) ivForOffset(off uint64) []byte {
	iv := make([]byte, blockSize)
	blockIndex := off / blockSize
	for i := 0; i < 8; i++ {
		iv[blockSize-1-i] = byte(blockIndex >> (8 * i))
	}
	return iv
}

// Read decrypts len(p) bytes starting at the underlying reader's
// current position.
func (d *Decrypt) Read(p []byte) (int, error) {
	pos, err := d.reader.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	n, err := d.reader.Read(p)
	if n == 0 {
		return 0, err
	}

	blockOffset := int(uint64(pos) % blockSize)
	iv := d.ivForOffset(uint64(pos))
	stream := cipher.NewCTR(d.block, iv)
	if blockOffset > 0 {
		// Discard keystream bytes before the block-aligned start, to
		// land on the correct phase within the first block.
		discard := make([]byte, blockOffset)
		stream.XORKeyStream(discard, discard)
	}
	stream.XORKeyStream(p[:n], p[:n])
	return n, err
}

// Seek implements io.Seeker, delegating to the underlying reader; the
// CTR counter is recomputed fresh on the next Read from ivForOffset, so
// no state needs to be carried across a seek.
func (d *Decrypt) Seek(offset int64, whence int) (int64, error) {
	return d.reader.Seek(offset, whence)
}
