package chain

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsFor_AllChains(t *testing.T) {
	domains := make(map[phase0.Domain]Chain, len(Chains()))

	for _, c := range Chains() {
		params, err := ParamsFor(c)
		require.NoError(t, err)

		assert.Equal(t, c, params.Name)
		assert.Equal(t, 12*time.Second, params.SlotTime)
		assert.Equal(t, DefaultCommitmentDeadline, params.CommitmentDeadline)
		assert.Less(t, params.CommitmentDeadline, params.SlotTime)

		prev, dup := domains[params.Domain]
		assert.False(t, dup, "%s shares its signing domain with %s", c, prev)
		domains[params.Domain] = c
	}
}

func TestParseChain(t *testing.T) {
	c, err := ParseChain(" Holesky ")
	require.NoError(t, err)
	assert.Equal(t, Holesky, c)

	_, err = ParseChain("sepolia")
	require.Error(t, err)
}

func TestWithOverrides(t *testing.T) {
	params, err := ParamsFor(Mainnet)
	require.NoError(t, err)

	out := params.WithOverrides(4*time.Second, 0)
	assert.Equal(t, 4*time.Second, out.SlotTime)
	assert.Equal(t, DefaultCommitmentDeadline, out.CommitmentDeadline)
	assert.Equal(t, 12*time.Second, params.SlotTime, "original must not change")
}

func TestEpochOf(t *testing.T) {
	params, err := ParamsFor(Mainnet)
	require.NoError(t, err)

	assert.Equal(t, phase0.Epoch(0), params.EpochOf(31))
	assert.Equal(t, phase0.Epoch(1), params.EpochOf(32))
	assert.Equal(t, phase0.Epoch(3), params.EpochOf(101))
}

func TestSlotStart(t *testing.T) {
	params, err := ParamsFor(Holesky)
	require.NoError(t, err)

	genesis := time.Unix(1695902400, 0)
	assert.Equal(t, genesis, params.SlotStart(genesis, 0))
	assert.Equal(t, genesis.Add(1200*time.Second), params.SlotStart(genesis, 100))
}

func TestParamsFor_KnownBuilderDomain(t *testing.T) {
	params, err := ParamsFor(Holesky)
	require.NoError(t, err)

	assert.Equal(t,
		"000000015b83a23759c560b2d0c64576e1dcfc34ea94c4988f3e0d9f77f05387",
		hex.EncodeToString(params.Domain[:]),
	)
}
