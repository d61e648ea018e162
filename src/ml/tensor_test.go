package ml

import (
	"strings"
	"testing"

	"github.com/adalkiran/llama-serve/src/dtype"
)

func TestNewTensorChecks(t *testing.T) {
	raw := make([]byte, 12)
	if _, err := NewTensor("ok", []int{2, 3}, []int{3, 1}, DT_BF16, raw); err != nil {
		t.Errorf("Expected no error, but got %v", err)
	}
	if _, err := NewTensor("transposed", []int{2, 3}, []int{1, 2}, DT_BF16, raw); err == nil {
		t.Errorf("Expected an error for a non contiguous stride")
	}
	if _, err := NewTensor("short", []int{2, 3}, nil, DT_F32, raw); err == nil {
		t.Errorf("Expected an error for a byte count mismatch")
	}
}

func TestGetSetItem(t *testing.T) {
	tensor := NewEmptyTensor([]int{2, 3}, DT_BF16)
	if err := tensor.SetItem([]int{1, 2}, dtype.BFloat16fromFloat32(1.5)); err != nil {
		t.Fatal(err)
	}
	// row major, item [1, 2] is the sixth one
	if val := tensor.GetItemByOffset_AsFloat32(5 * DT_BF16.ItemSize); val != 1.5 {
		t.Errorf("Expected 1.5, but got %g", val)
	}
	if err := tensor.SetItem([]int{1, 2}, float32(1)); err == nil {
		t.Errorf("Expected an error for writing float32 into a BF16 tensor")
	}
	if err := tensor.SetItem([]int{2, 0}, dtype.BFloat16fromFloat32(1)); err == nil {
		t.Errorf("Expected an error for an out of range location")
	}
	if err := tensor.SetItem([]int{0}, dtype.BFloat16fromFloat32(1)); err == nil {
		t.Errorf("Expected an error for a location with wrong dimensions")
	}
}

func TestSliceAndReshape(t *testing.T) {
	tensor, err := NewTensorFromFloat32("rows", []int{3, 2}, []float32{0, 1, 2, 3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tensor.Slice(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor([]float32{2, 3, 4, 5}, []int{2, 2}, rows, 0); err != nil {
		t.Error(err)
	}
	// slices share memory with the source tensor
	values, _ := rows.Float32s()
	values[0] = 20
	if item := tensor.GetItemByOffset_AsFloat32(2 * DT_F32.ItemSize); item != 20 {
		t.Errorf("Expected 20, but got %g", item)
	}

	reshaped, err := tensor.Reshape([]int{6})
	if err != nil {
		t.Fatal(err)
	}
	if reshaped.GetElementCount() != 6 || !reshaped.IsVector() {
		t.Errorf("Expected a vector of 6 items, but got %v", reshaped.Size)
	}
	if _, err := tensor.Reshape([]int{4}); err == nil {
		t.Errorf("Expected an error for a reshape changing the element count")
	}
	if _, err := tensor.Slice(2, 4); err == nil {
		t.Errorf("Expected an error for an out of range slice")
	}
}

func TestToFloat32(t *testing.T) {
	tensor := NewEmptyTensor([]int{2}, DT_BF16)
	_ = tensor.SetItem([]int{0}, dtype.BFloat16fromFloat32Rounded(0.25))
	_ = tensor.SetItem([]int{1}, dtype.BFloat16fromFloat32Rounded(-3))

	converted, err := tensor.ToFloat32()
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor([]float32{0.25, -3}, []int{2}, converted, 0); err != nil {
		t.Error(err)
	}
	if _, err := tensor.Float32s(); err == nil {
		t.Errorf("Expected an error for reading a BF16 tensor as float32")
	}
}

func TestTensorString(t *testing.T) {
	tensor, _ := NewTensorFromFloat32("long", []int{8}, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	s := tensor.String()
	if !strings.Contains(s, "...") || !strings.Contains(s, "7.0000e+00") || strings.Contains(s, "4.0000e+00") {
		t.Errorf("Unexpected string representation: %s", s)
	}
}
