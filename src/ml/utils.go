package ml

import (
	"fmt"
	"slices"

	"github.com/adalkiran/llama-serve/src/common"
)

// CompareTestTensor checks shape and values of actual against a flat expected slice.
func CompareTestTensor(expected []float32, expectedSize []int, actual *Tensor, floatThreshold float64) error {
	if actual == nil {
		return fmt.Errorf("actual tensor is nil")
	}
	if !slices.Equal(expectedSize, actual.Size) {
		return fmt.Errorf("expected size %v, but got %v", expectedSize, actual.Size)
	}
	if len(expected) != actual.GetElementCount() {
		return fmt.Errorf("expected %d values, but tensor has %d", len(expected), actual.GetElementCount())
	}
	for i, expectedItem := range expected {
		actualItem := actual.GetItemByOffset_AsFloat32(i * actual.DataType.ItemSize)
		if !common.AlmostEqualFloat32(actualItem, expectedItem, floatThreshold) {
			return fmt.Errorf("expected %g, but got %g at flat index: %d", expectedItem, actualItem, i)
		}
	}
	return nil
}
