package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// PaymentTokenABI is the ERC-20 surface the marketplace consumes.
const PaymentTokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

// SaleABI is the purchase entry point of the asset sale contract.
const SaleABI = `[
  {"type":"function","name":"buyTokens","stateMutability":"nonpayable",
   "inputs":[{"name":"assetId","type":"uint256"},{"name":"amount","type":"uint256"}],
   "outputs":[]}
]`

var (
	paymentTokenABI = mustParseABI(PaymentTokenABI)
	saleABI         = mustParseABI(SaleABI)
)

// PaymentToken returns the parsed ERC-20 ABI.
func PaymentToken() abi.ABI { return paymentTokenABI }

// Sale returns the parsed sale contract ABI.
func Sale() abi.ABI { return saleABI }

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: parse abi: " + err.Error())
	}
	return parsed
}
