package isotp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[can0]
txid = 0x7E0
rxid = 0x7E8
fid = 0x7DF
standard = 2016
fd = true
padding = 0x55
block_size = 8
st_min = 20

[can1]
txid = 1824
rxid = 1832
standard = 2004
`

func TestLoadConfig(t *testing.T) {
	configs, err := LoadConfig([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	can0 := configs[0]
	assert.Equal(t, "can0", can0.Channel)
	assert.Equal(t, Address{TxID: 0x7E0, RxID: 0x7E8, FID: 0x7DF}, can0.Address)
	assert.Equal(t, Std2016, can0.Standard)
	assert.True(t, can0.FD)
	require.NotNil(t, can0.Padding)
	assert.Equal(t, byte(0x55), *can0.Padding)

	codec := can0.Codec()
	assert.Equal(t, byte(0x55), codec.Padding)
	assert.True(t, codec.FD)

	fc := can0.FlowControl()
	assert.Equal(t, FlowStatusContinue, fc.Status)
	assert.Equal(t, uint8(8), fc.BlockSize)
	assert.Equal(t, uint8(20), fc.STminByte)

	can1 := configs[1]
	assert.Equal(t, Std2004, can1.Standard)
	assert.False(t, can1.FD)
	assert.Equal(t, uint32(1824), can1.Address.TxID)
	assert.Equal(t, uint32(0), can1.Address.FID)
	assert.Nil(t, can1.Padding)
	// Revision default padding applies when the file names none.
	assert.Equal(t, byte(0x00), can1.Codec().Padding)
	assert.Equal(t, DefaultFlowControl().STminByte, can1.FlowControl().STminByte)
}

func TestLoadConfigRegister(t *testing.T) {
	configs, err := LoadConfig([]byte(sampleConfig))
	require.NoError(t, err)

	r := NewRegistry()
	for _, cfg := range configs {
		require.NoError(t, cfg.Register(r))
	}
	addr, err := r.Address("can1")
	require.NoError(t, err)
	assert.Equal(t, uint32(1832), addr.RxID)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing txid":  "[can0]\nrxid = 0x7E8\n",
		"bad id":        "[can0]\ntxid = zz\nrxid = 1\n",
		"bad standard":  "[can0]\ntxid = 1\nrxid = 2\nstandard = 2021\n",
		"bad padding":   "[can0]\ntxid = 1\nrxid = 2\npadding = 0x1FF\n",
		"no channels":   "",
		"bad block":     "[can0]\ntxid = 1\nrxid = 2\nblock_size = 999\n",
		"bad stmin":     "[can0]\ntxid = 1\nrxid = 2\nst_min = -4\n",
	}
	for name, content := range cases {
		_, err := LoadConfig([]byte(content))
		assert.Error(t, err, name)
	}
}
