package evmchain

// Router/token ABI fragments: the EIP-3009 transferWithAuthorization
// variants and ERC-20 read functions USDC-style tokens implement, plus the
// SettlementRouter's settleAndExecute/isSettled surface.
var (
	TransferWithAuthorizationVRSABI = []byte(`[{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}]`)

	TransferWithAuthorizationBytesABI = []byte(`[{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}]`)

	// SettleAndExecuteABI matches SettlementRouter.settleAndExecute, which
	// atomically performs transferWithAuthorization then invokes the hook
	// with hookData.
	SettleAndExecuteABI = []byte(`[{
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "from", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "signature", "type": "bytes"},
			{"name": "salt", "type": "bytes32"},
			{"name": "payTo", "type": "address"},
			{"name": "facilitatorFee", "type": "uint256"},
			{"name": "hook", "type": "address"},
			{"name": "hookData", "type": "bytes"}
		],
		"name": "settleAndExecute",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}]`)

	// IsSettledABI matches SettlementRouter.isSettled(salt), used by the
	// verifier's replay check.
	IsSettledABI = []byte(`[{
		"inputs": [{"name": "salt", "type": "bytes32"}],
		"name": "isSettled",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}]`)

	AuthorizationStateABI = []byte(`[{
		"inputs": [
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"name": "authorizationState",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}]`)

	ERC20ABI = []byte(`[
		{
			"constant": true,
			"inputs": [{"name": "owner", "type": "address"}],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"constant": true,
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

const (
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionSettleAndExecute          = "settleAndExecute"
	FunctionIsSettled                 = "isSettled"
	FunctionBalanceOf                 = "balanceOf"

	TxStatusSuccess = uint64(1)
)
