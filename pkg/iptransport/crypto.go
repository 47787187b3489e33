package iptransport

import (
	"encoding/binary"
	"fmt"

	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/session"
)

// maxBlockSize is the largest plaintext chunk sealed into one wire block
// (spec.md §4.6/§4.7's shared session-transport envelope: a 2-byte
// little-endian length prefix followed by that many ciphertext+tag bytes,
// capped at 1024 bytes of plaintext per block).
const maxBlockSize = 1024

// encryptFrame splits plaintext into maxBlockSize chunks and seals each
// under sess's next write key/nonce, framing every block with its
// 2-byte little-endian plaintext length (used as AEAD additional data).
func encryptFrame(sess *session.Session, plaintext []byte) ([]byte, error) {
	var out []byte
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > maxBlockSize {
			n = maxBlockSize
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]

		lengthPrefix := make([]byte, 2)
		binary.LittleEndian.PutUint16(lengthPrefix, uint16(n))

		key, seq := sess.NextWriteNonce()
		sealed, err := hapcrypto.SealSession(key, hapcrypto.SessionNonce(seq), chunk, lengthPrefix)
		if err != nil {
			return nil, fmt.Errorf("iptransport: seal block: %w", err)
		}
		out = append(out, lengthPrefix...)
		out = append(out, sealed...)
	}
	return out, nil
}

// blockOverhead is the per-block ciphertext expansion (Poly1305 tag).
const blockOverhead = 16

// decryptStream consumes as many complete encrypted blocks as are present
// at the head of buf, returning the concatenated plaintext and the number
// of input bytes consumed. A trailing partial block is left unconsumed for
// the next call once more bytes have arrived.
func decryptStream(sess *session.Session, buf []byte) (plaintext []byte, consumed int, err error) {
	for {
		if len(buf)-consumed < 2 {
			return plaintext, consumed, nil
		}
		lengthPrefix := buf[consumed : consumed+2]
		n := int(binary.LittleEndian.Uint16(lengthPrefix))
		blockEnd := consumed + 2 + n + blockOverhead
		if len(buf) < blockEnd {
			return plaintext, consumed, nil
		}

		key, seq := sess.NextReadNonce()
		chunk, derr := hapcrypto.OpenSession(key, hapcrypto.SessionNonce(seq), buf[consumed+2:blockEnd], lengthPrefix)
		if derr != nil {
			return plaintext, consumed, fmt.Errorf("iptransport: open block: %w", derr)
		}
		plaintext = append(plaintext, chunk...)
		consumed = blockEnd
	}
}
