package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"energy-exchange-core/internal/domain"
)

// contentHash deterministically hashes a settlement batch so a
// resubmission of the same batch produces the same memo, letting the
// chain side detect and reject a duplicate
func contentHash(batch []*domain.Settlement) common.Hash {
	var parts []string
	for _, s := range batch {
		parts = append(parts, strings.Join([]string{
			s.ID.String(),
			s.BuyerID,
			s.SellerID,
			s.NetAmount.String(),
			s.EffectiveEnergy.String(),
		}, "|"))
	}
	return crypto.Keccak256Hash([]byte(strings.Join(parts, "||")))
}
