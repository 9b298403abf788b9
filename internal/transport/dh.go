package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"math/big"
)

// dhPrimeHex is the fixed 768-bit prime used for every handshake
// (spec.md §4.9 step 3: "fixed 768-bit prime & generator = 2"), ported
// from psst-core/src/connection/mod.rs's DH_PRIME constant.
const dhPrimeHex = "ffffffffffffffffc90fdaa22168c234c4c6628b80dc1cd129024e088a67cc74020bbea63b139b22514a08798e3404ddef9519b3cd3a431b302b0a6df25f14374fe1356d6d51c245e485b576625e7ec6f44c42e9a637ed6b0bff5cb6f406b7edee386bfb5a899fa5ae9f24117c4b1fe649286651ece45b3dc2007cb8a163bf0598da48361c55d39a69163fa8fd24cf5f83655d23dca3ad961c62f356208552bb9ed529077096966d670c354e4abc9804f1746c08ca18217c32905e462e36ce3be39e772c180e86039b2783a2ec07a28fb5c55df06f4c52c9de2bcbf6955817183995497cea956ae515d2261898fa051015728e5a8aacaa68ffffffffffffffff"

var dhPrime *big.Int

func init() {
	dhPrime, _ = new(big.Int).SetString(dhPrimeHex, 16)
}

var dhGenerator = big.NewInt(2)

// dhKeyPair is one side of the Diffie-Hellman exchange.
type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

// generateDHKeyPair draws a private exponent and computes g^x mod p.
func generateDHKeyPair() (dhKeyPair, error) {
	priv, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return dhKeyPair{}, err
	}
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return dhKeyPair{private: priv, public: pub}, nil
}

// sharedSecret computes this side's view of the DH shared secret given
// the peer's public value.
func (kp dhKeyPair) sharedSecret(peerPublic *big.Int) []byte {
	s := new(big.Int).Exp(peerPublic, kp.private, dhPrime)
	return leftPad(s.Bytes(), 96) // 768 bits = 96 bytes
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// derivedKeys holds the key-derivation output of spec.md §4.9 step 4.
type derivedKeys struct {
	challenge [20]byte
	sendKey   [32]byte
	recvKey   [32]byte
}

// deriveKeys computes the 5-round HMAC-SHA1 derivation concatenated to
// 100 bytes, then splits it into challenge/send_key/recv_key, exactly
// per spec.md §4.9 step 4.
func deriveKeys(sharedSecret, helloPacket, apRespPacket []byte) derivedKeys {
	var data []byte
	for i := byte(1); i <= 5; i++ {
		mac := hmac.New(sha1.New, sharedSecret)
		mac.Write(helloPacket)
		mac.Write(apRespPacket)
		mac.Write([]byte{i})
		data = append(data, mac.Sum(nil)...)
	}

	challengeMac := hmac.New(sha1.New, data[0:20])
	challengeMac.Write(helloPacket)
	challengeMac.Write(apRespPacket)

	var out derivedKeys
	copy(out.challenge[:], challengeMac.Sum(nil))
	copy(out.sendKey[:], data[20:52])
	copy(out.recvKey[:], data[52:84])
	return out
}
