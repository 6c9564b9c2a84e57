package wallet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DeriveAddress maps an identity seed to a chain address.
// eth: 0x + last 20 bytes of keccak256(seed).
// icp: textual self-authenticating principal of sha224(seed).
func DeriveAddress(chain Chain, seed []byte) string {
	if chain == ChainICP {
		return principalText(seed)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(seed)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

func principalText(seed []byte) string {
	sum := sha256.Sum224(seed)
	raw := append(sum[:], 0x02)

	buf := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(raw))
	copy(buf[4:], raw)

	enc := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
	var groups []string
	for len(enc) > 5 {
		groups = append(groups, enc[:5])
		enc = enc[5:]
	}
	groups = append(groups, enc)
	return strings.Join(groups, "-")
}

// NewTxRef returns a random 0x-prefixed 32 byte hash.
func NewTxRef() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	h := sha3.NewLegacyKeccak256()
	h.Write(b[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NewSeed returns a random identity seed.
func NewSeed() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
