package constraints

import (
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/ethpandaops/preconfoor/pkg/signer"
)

// Signer signs an object root under a signing domain.
type Signer interface {
	SignWithDomain(root phase0.Root, domain phase0.Domain) (phase0.BLSSignature, error)
}

// Sign signs msg under domain and wraps it as SignedConstraints.
func Sign(s Signer, msg *ConstraintsMessage, domain phase0.Domain) (*SignedConstraints, error) {
	root, err := msg.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to compute constraints digest: %w", err)
	}

	sig, err := s.SignWithDomain(root, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to sign constraints: %w", err)
	}

	return &SignedConstraints{
		Message:   msg,
		Signature: sig,
	}, nil
}

// Verify checks the signature against pubkey under domain.
func (s *SignedConstraints) Verify(pubkey phase0.BLSPubKey, domain phase0.Domain) bool {
	if s == nil || s.Message == nil {
		return false
	}

	root, err := s.Message.HashTreeRoot()
	if err != nil {
		return false
	}

	return signer.VerifyWithDomain(pubkey, root, domain, s.Signature)
}
