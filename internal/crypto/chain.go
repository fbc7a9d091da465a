// Package crypto implements the tamper-evident hash chain over audit entries.
package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/and161185/consent-keeper/internal/model"
)

// HashSize is the length of every chain link.
const HashSize = blake2b.Size256

// Genesis is the predecessor hash of the first entry of a subject.
var Genesis = make([]byte, HashSize)

// ErrChainBroken is returned by VerifyChain when a link does not match.
var ErrChainBroken = errors.New("audit chain broken")

// ChainHash returns BLAKE2b-256(prev || canonical(entry)).
// Detail must already be encoded (detailJSON) so that the hash matches what is stored.
func ChainHash(prev []byte, e model.AuditEntry, detailJSON []byte) []byte {
	h, _ := blake2b.New256(nil) // nil key never errors
	h.Write(prev)
	writeField(h, e.SubjectID.Bytes())
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(e.Seq))
	h.Write(seq[:])
	writeField(h, []byte(e.Action))
	writeField(h, []byte(e.Actor.ID))
	writeField(h, []byte(e.Actor.Type))
	writeField(h, []byte(e.Origin.IP))
	writeField(h, []byte(e.Origin.UserAgent))
	writeField(h, detailJSON)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.CreatedAt.UTC().UnixMicro()))
	h.Write(ts[:])
	return h.Sum(nil)
}

// length-prefixed so that field boundaries cannot be shifted
func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// VerifyChain checks entries of a single subject ordered by Seq.
func VerifyChain(entries []model.AuditEntry) error {
	prev := Genesis
	for i, e := range entries {
		if !bytes.Equal(e.PrevHash, prev) {
			return fmt.Errorf("entry seq=%d (#%d): prev hash mismatch: %w", e.Seq, i, ErrChainBroken)
		}
		detail, err := e.DetailJSON()
		if err != nil {
			return fmt.Errorf("entry seq=%d: %w", e.Seq, err)
		}
		if !bytes.Equal(ChainHash(prev, e, detail), e.Hash) {
			return fmt.Errorf("entry seq=%d (#%d): hash mismatch: %w", e.Seq, i, ErrChainBroken)
		}
		prev = e.Hash
	}
	return nil
}
