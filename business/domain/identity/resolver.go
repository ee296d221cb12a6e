package identity

import (
	"context"

	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type KeystoreScanner interface {
	ListCandidateKeys(dir string) ([]entities.PublicKey, error)
}

type NodeProbe interface {
	HasAuraKey(ctx context.Context, key entities.PublicKey) (bool, error)
}

// Resolver determines the one Aura identity this process monitors. Candidate
// keys come from the keystore file names, the node confirms which of them it
// can actually sign with. Anything other than exactly one confirmed key is a
// fatal startup condition: ambiguity is resolved by the operator at the
// keystore level, never silently here.
type Resolver struct {
	scanner KeystoreScanner
	node    NodeProbe
	logger  *zap.SugaredLogger
}

func NewResolver(scanner KeystoreScanner, node NodeProbe, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{
		scanner: scanner,
		node:    node,
		logger:  logger,
	}
}

func (r *Resolver) Resolve(ctx context.Context, keystorePath string) (entities.PublicKey, error) {
	candidates, err := r.scanner.ListCandidateKeys(keystorePath)
	if err != nil {
		return entities.PublicKey{}, errors.Wrap(err, "listing candidate keys")
	}
	if len(candidates) == 0 {
		return entities.PublicKey{}, errors.Wrapf(entities.ErrNoAuraKey, "keystore [%s]", keystorePath)
	}

	var confirmed []entities.PublicKey
	for _, candidate := range candidates {
		has, err := r.node.HasAuraKey(ctx, candidate)
		if err != nil {
			return entities.PublicKey{}, errors.Wrapf(err, "confirming key [%s]", candidate.Hex())
		}
		if has {
			confirmed = append(confirmed, candidate)
		}
	}

	switch len(confirmed) {
	case 0:
		return entities.PublicKey{}, errors.Wrapf(entities.ErrKeyNotOnNode, "candidates %d", len(candidates))
	case 1:
		r.logger.Infow("resolved identity", "author", confirmed[0].Hex())
		return confirmed[0], nil
	default:
		return entities.PublicKey{}, errors.Wrapf(entities.ErrAmbiguousAuraKeys, "confirmed %d keys", len(confirmed))
	}
}
