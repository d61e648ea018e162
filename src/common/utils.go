package common

import (
	"fmt"
	"math"
	"math/big"

	"github.com/spf13/cast"
)

const (
	THRESHOLD_F32  = 1e-4
	THRESHOLD_BF16 = 2e-2
)

// InterfaceToInt converts integers decoded from pickles, big integers must fit into int64.
func InterfaceToInt(val interface{}) (int, error) {
	switch x := val.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return cast.ToIntE(x)
	case *big.Int:
		if x.IsInt64() {
			return int(x.Int64()), nil
		}
	}
	return 0, fmt.Errorf("cannot convert %v (%T) to int", val, val)
}

func InterfaceArrToIntArr(arr []interface{}) ([]int, error) {
	result := make([]int, len(arr))
	for i, val := range arr {
		intVal, err := InterfaceToInt(val)
		if err != nil {
			return nil, err
		}
		result[i] = intVal
	}
	return result, nil
}

func AlmostEqualFloat32(a float32, b float32, threshold float64) bool {
	if a == b {
		// This check is for -Inf and +Inf values
		return true
	}
	return math.Abs(float64(a)-float64(b)) <= threshold
}
