package crypto

import "crypto/cipher"

// modeCrypter drives a block.Block through one of the four chaining
// modes the engine implements itself rather than delegating to
// crypto/cipher's mode constructors, per spec §4.2 ("the engine owns
// ECB/CBC/CFB/OFB so it can track per-context ivCount the way the
// source's encryptData/decryptData do"). crypto/cipher's CBC/CFB/OFB
// helpers assume ownership of their own IV state in a way that does not
// expose the byte-granular ivCount the source's self-test and
// catastrophic-failure check rely on, so the chaining arithmetic here
// is written out directly against the block.Block interface.
type modeCrypter struct {
	block cipher.Block
	bs    int
}

func newModeCrypter(block cipher.Block) *modeCrypter {
	return &modeCrypter{block: block, bs: block.BlockSize()}
}

// ecbEncrypt/ecbDecrypt operate block-at-a-time with no chaining.
func (m *modeCrypter) ecbEncrypt(dst, src []byte) {
	for i := 0; i+m.bs <= len(src); i += m.bs {
		m.block.Encrypt(dst[i:i+m.bs], src[i:i+m.bs])
	}
}

func (m *modeCrypter) ecbDecrypt(dst, src []byte) {
	for i := 0; i+m.bs <= len(src); i += m.bs {
		m.block.Decrypt(dst[i:i+m.bs], src[i:i+m.bs])
	}
}

// cbcEncrypt XORs each plaintext block with the previous ciphertext
// block (iv for the first) before encrypting, updating iv in place to
// the last ciphertext block written, per spec §4.2.
func (m *modeCrypter) cbcEncrypt(dst, src []byte, iv []byte) {
	prev := make([]byte, m.bs)
	copy(prev, iv)
	buf := make([]byte, m.bs)
	for i := 0; i+m.bs <= len(src); i += m.bs {
		for j := 0; j < m.bs; j++ {
			buf[j] = src[i+j] ^ prev[j]
		}
		m.block.Encrypt(dst[i:i+m.bs], buf)
		copy(prev, dst[i:i+m.bs])
	}
	copy(iv, prev)
}

func (m *modeCrypter) cbcDecrypt(dst, src []byte, iv []byte) {
	prev := make([]byte, m.bs)
	copy(prev, iv)
	buf := make([]byte, m.bs)
	for i := 0; i+m.bs <= len(src); i += m.bs {
		m.block.Decrypt(buf, src[i:i+m.bs])
		for j := 0; j < m.bs; j++ {
			dst[i+j] = buf[j] ^ prev[j]
		}
		copy(prev, src[i:i+m.bs])
	}
	copy(iv, prev)
}

// cfbEncrypt implements CFB-bs (full block feedback) with the per-byte
// ivCount carry of spec §4.2: ivCount tracks how many bytes of the
// current keystream block have already been consumed (mod block size),
// so a context may be fed data in chunks that don't align to the block
// size across successive calls, matching the source's streaming API.
//
// stream is caller-owned persistent state, seeded with a copy of the
// true IV before the first call on a context and never touched between
// calls; this function both consumes it as a keystream and folds freshly
// produced ciphertext bytes back into it in place, so it always holds
// the current feedback block regardless of where a previous call left
// off mid-block.
func (m *modeCrypter) cfbEncrypt(dst, src []byte, stream []byte, ivCount *int) {
	for i := range src {
		if *ivCount == 0 {
			m.block.Encrypt(stream, stream)
		}
		c := src[i] ^ stream[*ivCount]
		dst[i] = c
		stream[*ivCount] = c
		*ivCount++
		if *ivCount == m.bs {
			*ivCount = 0
		}
	}
}

func (m *modeCrypter) cfbDecrypt(dst, src []byte, stream []byte, ivCount *int) {
	for i := range src {
		if *ivCount == 0 {
			m.block.Encrypt(stream, stream)
		}
		c := src[i]
		dst[i] = c ^ stream[*ivCount]
		stream[*ivCount] = c
		*ivCount++
		if *ivCount == m.bs {
			*ivCount = 0
		}
	}
}

// ofbCrypt is its own inverse: the keystream is generated independently
// of plaintext/ciphertext. Like cfbEncrypt/cfbDecrypt, stream is
// caller-owned persistent state seeded with the true IV before the
// first call.
func (m *modeCrypter) ofbCrypt(dst, src []byte, stream []byte, ivCount *int) {
	for i := range src {
		if *ivCount == 0 {
			m.block.Encrypt(stream, stream)
		}
		dst[i] = src[i] ^ stream[*ivCount]
		*ivCount++
		if *ivCount == m.bs {
			*ivCount = 0
		}
	}
}

// catastrophicCheck compares up to the first 16 bytes of plaintext and
// ciphertext and reports a failure if they're equal, catching the
// classic "forgot to actually encrypt" bug, per spec §4.2 and DESIGN
// NOTES ("keep the catastrophic-failure sanity check, it's cheap and
// it has caught real bugs"). It is only meaningful for modes where
// plaintext and ciphertext are expected to differ at every position,
// so it is not run for PKC (spec §6 open question resolution).
func catastrophicCheck(plaintext, ciphertext []byte) bool {
	n := len(plaintext)
	if len(ciphertext) < n {
		n = len(ciphertext)
	}
	if n > 16 {
		n = 16
	}
	if n == 0 {
		return true
	}
	for i := 0; i < n; i++ {
		if plaintext[i] != ciphertext[i] {
			return true
		}
	}
	return false
}
