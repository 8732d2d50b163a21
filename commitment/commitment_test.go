package commitment

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	p := Params{
		ChainID:           big.NewInt(8453),
		VerifyingContract: "0x1111111111111111111111111111111111111111",
		Token:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		From:              "0x3333333333333333333333333333333333333333",
		Value:             big.NewInt(1_000_000),
		ValidAfter:        big.NewInt(1_999_999_000),
		ValidBefore:       big.NewInt(2_000_001_000),
		Salt:              salt,
		PayTo:             "0x2222222222222222222222222222222222222222",
		FacilitatorFee:    big.NewInt(1000),
		Hook:              "0x0000000000000000000000000000000000000000",
		HookData:          []byte{0x01, 0x02},
	}

	h1, err := Hash(p)
	require.NoError(t, err)
	h2, err := Hash(p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}

func TestHashChangesWithTransferFields(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	base := Params{
		ChainID:           big.NewInt(8453),
		VerifyingContract: "0x1111111111111111111111111111111111111111",
		Token:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		From:              "0x3333333333333333333333333333333333333333",
		Value:             big.NewInt(1_000_000),
		ValidAfter:        big.NewInt(1_999_999_000),
		ValidBefore:       big.NewInt(2_000_001_000),
		Salt:              salt,
		PayTo:             "0x2222222222222222222222222222222222222222",
		FacilitatorFee:    big.NewInt(1000),
		Hook:              "0x0000000000000000000000000000000000000000",
		HookData:          []byte{},
	}
	h1, err := Hash(base)
	require.NoError(t, err)

	// A facilitator swapping the payer's value without re-deriving the
	// commitment must produce a different nonce: any parameter change
	// invalidates the signature.
	changedValue := base
	changedValue.Value = big.NewInt(2_000_000)
	h2, err := Hash(changedValue)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	changedFrom := base
	changedFrom.From = "0x4444444444444444444444444444444444444444"
	h3, err := Hash(changedFrom)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	changedToken := base
	changedToken.Token = "0x5555555555555555555555555555555555555555"
	h4, err := Hash(changedToken)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestHashChangesWithFee(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	base := Params{
		ChainID:           big.NewInt(8453),
		VerifyingContract: "0x1111111111111111111111111111111111111111",
		Token:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		From:              "0x3333333333333333333333333333333333333333",
		Salt:              salt,
		PayTo:             "0x2222222222222222222222222222222222222222",
		FacilitatorFee:    big.NewInt(1000),
		Hook:              "0x0000000000000000000000000000000000000000",
		HookData:          []byte{},
	}
	h1, err := Hash(base)
	require.NoError(t, err)

	changed := base
	changed.FacilitatorFee = big.NewInt(2000)
	h2, err := Hash(changed)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestNonceFromSaltRoundTrips(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	p := Params{
		ChainID:           big.NewInt(1),
		VerifyingContract: "0x1111111111111111111111111111111111111111",
		Token:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		From:              "0x3333333333333333333333333333333333333333",
		Salt:              salt,
		PayTo:             "0x2222222222222222222222222222222222222222",
		FacilitatorFee:    big.NewInt(0),
		Hook:              "0x0000000000000000000000000000000000000000",
		HookData:          nil,
	}
	h, err := Hash(p)
	require.NoError(t, err)
	nonce := NonceFromSalt(h)
	assert.Equal(t, h, nonce[:])
}

func TestValidateRejectsMalformedParams(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	good := Params{
		ChainID:           big.NewInt(8453),
		VerifyingContract: "0x1111111111111111111111111111111111111111",
		Token:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		From:              "0x3333333333333333333333333333333333333333",
		Value:             big.NewInt(1),
		ValidAfter:        big.NewInt(0),
		ValidBefore:       big.NewInt(1),
		Salt:              salt,
		PayTo:             "0x2222222222222222222222222222222222222222",
		FacilitatorFee:    big.NewInt(0),
		Hook:              "0x0000000000000000000000000000000000000000",
	}
	require.NoError(t, Validate(good))

	noChain := good
	noChain.ChainID = nil
	assert.Error(t, Validate(noChain))

	shortAddr := good
	shortAddr.PayTo = "0x1234"
	assert.Error(t, Validate(shortAddr))

	noFee := good
	noFee.FacilitatorFee = nil
	assert.Error(t, Validate(noFee))

	zeroSalt := good
	zeroSalt.Salt = [32]byte{}
	assert.Error(t, Validate(zeroSalt))
}

func TestGenerateSaltIsRandom(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
