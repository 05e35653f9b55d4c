package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// parseSettlementABI parses the minimal ABI this adapter calls: a single
// function recording a settlement batch's content hash and total amount
func parseSettlementABI() (abi.ABI, error) {
	abiJSON := `[
		{
			"inputs": [
				{"internalType": "bytes32", "name": "contentHash", "type": "bytes32"},
				{"internalType": "uint256", "name": "totalAmount", "type": "uint256"}
			],
			"name": "submitSettlementBatch",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`
	return abi.JSON(strings.NewReader(abiJSON))
}
