// Package token derives opaque slot tokens. The Service is stateless apart
// from its hash key: it never retains request ids, slots or mappings.
package token

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// Mode selects how the hash key is obtained.
type Mode string

const (
	// ModePublic hashes with a fixed, published key. Anyone who knows the
	// candidate slot set can recompute the tokens.
	ModePublic Mode = "public"
	// ModeKeyed hashes with a key derived from a secret shared by the
	// participants and the token service only.
	ModeKeyed Mode = "keyed"
)

const (
	tokenBytes     = protocol.TokenLen / 2
	keyedContext   = "blindslot.token.v2 keyed slot tokens"
	slotSeparator  = "||"
	defaultKeySize = 32
)

type hashKey [defaultKeySize]byte

// publicKey is the protocol v1 domain key: readable ASCII, zero padded.
var publicKey = hashKey{ //nolint:gochecknoglobals // fixed protocol constant
	'b', 'l', 'i', 'n', 'd', 's', 'l', 'o', 't', '.', 't', 'o', 'k', 'e', 'n', '.',
	'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Option configures a Service.
type Option func(*Service)

// WithSecret switches the service to keyed mode. An empty secret is ignored.
func WithSecret(secret []byte) Option {
	return func(s *Service) {
		if len(secret) == 0 {
			return
		}
		blake3.DeriveKey(keyedContext, secret, s.key[:])
		s.mode = ModeKeyed
	}
}

// Service generates tokens.
type Service struct {
	key  hashKey
	mode Mode
}

// NewService returns a public-mode service unless WithSecret is given.
func NewService(opts ...Option) *Service {
	s := &Service{key: publicKey, mode: ModePublic}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the derivation mode.
func (s *Service) Mode() Mode { return s.mode }

// Generate returns the deduplicated token list and the token to slot
// mapping. Duplicated slots map to the same token.
func (s *Service) Generate(requestID string, slots []time.Time) (protocol.TokenList, protocol.Mapping, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, nil, fmt.Errorf("generate tokens: %w: empty request id", protocol.ErrInvalidInput)
	}
	if len(slots) == 0 {
		return nil, nil, fmt.Errorf("generate tokens: %w: empty slot list", protocol.ErrInvalidInput)
	}

	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("generate tokens: %w", err)
	}

	mapping := make(protocol.Mapping, len(slots))
	tokens := make([]protocol.Token, 0, len(slots))
	for _, slot := range slots {
		h.Reset()
		_, _ = h.Write([]byte(requestID + slotSeparator + protocol.CanonicalSlot(slot)))
		sum := h.Sum(nil)
		t := protocol.Token(hex.EncodeToString(sum[:tokenBytes]))
		if _, ok := mapping[t]; !ok {
			tokens = append(tokens, t)
		}
		mapping[t] = slot
	}
	return protocol.NewTokenList(tokens), mapping, nil
}
