package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GuardianRecoveryABI is the interface of the GuardianRecovery contract.
// Accounts and guardians are passed as bytes32 field elements.
const GuardianRecoveryABI = `[
	{"type":"function","name":"setupGuardians","stateMutability":"nonpayable",
	 "inputs":[{"name":"account","type":"bytes32"},{"name":"commitment","type":"bytes32"},{"name":"threshold","type":"uint32"}],
	 "outputs":[]},
	{"type":"function","name":"getCommitment","stateMutability":"view",
	 "inputs":[{"name":"account","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"getThreshold","stateMutability":"view",
	 "inputs":[{"name":"account","type":"bytes32"}],
	 "outputs":[{"name":"","type":"uint32"}]},
	{"type":"function","name":"initiateRecovery","stateMutability":"nonpayable",
	 "inputs":[{"name":"oldAccount","type":"bytes32"},{"name":"newAccount","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"submitApproval","stateMutability":"nonpayable",
	 "inputs":[{"name":"oldAccount","type":"bytes32"},{"name":"guardian","type":"bytes32"},{"name":"signature","type":"bytes"},{"name":"proof","type":"bytes32[]"}],
	 "outputs":[]},
	{"type":"function","name":"finalizeRecovery","stateMutability":"nonpayable",
	 "inputs":[{"name":"oldAccount","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"getRecoveryRequest","stateMutability":"view",
	 "inputs":[{"name":"oldAccount","type":"bytes32"}],
	 "outputs":[
		{"name":"newAccount","type":"bytes32"},
		{"name":"approvalCount","type":"uint32"},
		{"name":"threshold","type":"uint32"},
		{"name":"status","type":"uint8"},
		{"name":"createdAt","type":"uint64"},
		{"name":"commitment","type":"bytes32"}]},
	{"type":"function","name":"getApprovalCount","stateMutability":"view",
	 "inputs":[{"name":"oldAccount","type":"bytes32"}],
	 "outputs":[{"name":"","type":"uint32"}]},
	{"type":"event","name":"RecoveryInitiated","anonymous":false,
	 "inputs":[{"name":"oldAccount","type":"bytes32","indexed":true},{"name":"newAccount","type":"bytes32","indexed":true}]},
	{"type":"event","name":"ApprovalSubmitted","anonymous":false,
	 "inputs":[{"name":"oldAccount","type":"bytes32","indexed":true},{"name":"guardian","type":"bytes32","indexed":true},{"name":"approvalCount","type":"uint32","indexed":false}]},
	{"type":"event","name":"RecoveryFinalized","anonymous":false,
	 "inputs":[{"name":"oldAccount","type":"bytes32","indexed":true},{"name":"newAccount","type":"bytes32","indexed":true}]}
]`

// ParsedABI returns the parsed GuardianRecovery interface.
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(GuardianRecoveryABI))
}
