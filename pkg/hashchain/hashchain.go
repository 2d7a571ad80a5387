// Package hashchain computes and verifies the digests that link every event
// to the one immediately preceding it in global sequence order. The whole log
// forms one chain, so tampering with any historical event of any aggregate is
// detectable.
//
// Digests are self-describing ("sha256:<hex>") so the algorithm can evolve
// without breaking verification of old events.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/covenantlabs/covenant/pkg/canonicalize"
	"github.com/covenantlabs/covenant/pkg/event"
)

// Genesis is the fixed previous-hash value of the first event ever appended.
const Genesis = "genesis"

// Algorithm names a registered digest algorithm.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

var digests = map[Algorithm]func([]byte) string{
	SHA256: func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	},
	BLAKE2b: func(b []byte) string {
		sum := blake2b.Sum256(b)
		return hex.EncodeToString(sum[:])
	},
}

// ErrUnknownAlgorithm is returned when a digest carries an unregistered
// algorithm tag.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// BreakError reports the first position at which chain verification failed.
type BreakError struct {
	Sequence uint64
	Reason   string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// Chain computes event digests with a fixed algorithm.
type Chain struct {
	alg Algorithm
}

// New creates a chain for the given algorithm.
func New(alg Algorithm) (*Chain, error) {
	if _, ok := digests[alg]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	return &Chain{alg: alg}, nil
}

// Default returns a SHA-256 chain.
func Default() *Chain {
	return &Chain{alg: SHA256}
}

// Algorithm returns the chain's digest algorithm.
func (c *Chain) Algorithm() Algorithm {
	return c.alg
}

// ComputeHash returns the deterministic digest over the event's canonical
// content plus the supplied previous hash. The digest covers identity,
// classification, payload, causation and actor; it excludes Hash and
// Signature themselves.
func (c *Chain) ComputeHash(e *event.Event, previousHash string) (string, error) {
	digest, err := computeWith(c.alg, e, previousHash)
	if err != nil {
		return "", err
	}
	return string(c.alg) + ":" + digest, nil
}

// VerifyHash recomputes the event's digest with the algorithm named in its
// Hash tag and compares.
func VerifyHash(e *event.Event) (bool, error) {
	alg, _, err := split(e.Hash)
	if err != nil {
		return false, err
	}
	digest, err := computeWith(alg, e, e.PreviousHash)
	if err != nil {
		return false, err
	}
	return e.Hash == string(alg)+":"+digest, nil
}

// VerifyChain walks events in order, confirming each event's PreviousHash
// matches the prior event's Hash and that every digest recomputes. The first
// event's linkage is checked against Genesis when it is the first sequence.
// A nil return means the chain is intact; otherwise the error is a
// *BreakError naming the first broken position.
func VerifyChain(events []*event.Event) error {
	return VerifyChainFrom("", events)
}

// VerifyChainFrom verifies a chain segment whose first event should link to
// expectedPrev. An empty expectedPrev skips the leading linkage check except
// for sequence 1, which must link to Genesis.
func VerifyChainFrom(expectedPrev string, events []*event.Event) error {
	prev := expectedPrev
	for _, e := range events {
		if e.Sequence == 1 {
			prev = Genesis
		}
		if prev != "" && e.PreviousHash != prev {
			return &BreakError{Sequence: e.Sequence, Reason: fmt.Sprintf("previous hash mismatch: expected %s, got %s", prev, e.PreviousHash)}
		}
		ok, err := VerifyHash(e)
		if err != nil {
			return &BreakError{Sequence: e.Sequence, Reason: err.Error()}
		}
		if !ok {
			return &BreakError{Sequence: e.Sequence, Reason: "hash does not match recomputed content"}
		}
		prev = e.Hash
	}
	return nil
}

func computeWith(alg Algorithm, e *event.Event, previousHash string) (string, error) {
	digest, ok := digests[alg]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}

	content := map[string]any{
		"id":                e.ID,
		"sequence":          e.Sequence,
		"timestamp":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":              e.Type,
		"aggregate_type":    string(e.AggregateType),
		"aggregate_id":      e.AggregateID,
		"aggregate_version": e.AggregateVersion,
		"actor":             e.Actor,
		"previous_hash":     previousHash,
	}
	if e.Payload != nil {
		content["payload"] = e.Payload
	}
	if e.Causation != nil {
		content["causation"] = e.Causation
	}

	canonical, err := canonicalize.JCS(content)
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", e.ID, err)
	}
	return digest(canonical), nil
}

func split(tagged string) (Algorithm, string, error) {
	i := strings.IndexByte(tagged, ':')
	if i <= 0 {
		return "", "", fmt.Errorf("%w: digest %q is not algorithm-tagged", ErrUnknownAlgorithm, tagged)
	}
	alg := Algorithm(tagged[:i])
	if _, ok := digests[alg]; !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	return alg, tagged[i+1:], nil
}
