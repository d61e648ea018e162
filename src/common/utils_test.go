package common

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceToInt(t *testing.T) {
	for _, val := range []interface{}{7, int8(7), uint16(7), int32(7), int64(7), uint64(7), big.NewInt(7)} {
		result, err := InterfaceToInt(val)
		require.NoError(t, err, "%T", val)
		assert.Equal(t, 7, result)
	}

	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	for _, val := range []interface{}{"7", 7.0, nil, huge} {
		_, err := InterfaceToInt(val)
		assert.Error(t, err, "%v", val)
	}

	arr, err := InterfaceArrToIntArr([]interface{}{1, int64(2), big.NewInt(3)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, arr)
	_, err = InterfaceArrToIntArr([]interface{}{1, "x"})
	assert.Error(t, err)
}

func TestAlmostEqualFloat32(t *testing.T) {
	assert.True(t, AlmostEqualFloat32(1, 1.00001, THRESHOLD_F32))
	assert.False(t, AlmostEqualFloat32(1, 1.01, THRESHOLD_F32))
	assert.True(t, AlmostEqualFloat32(1, 1.01, THRESHOLD_BF16))
}
