package ml

import (
	"context"
	"math"
	"testing"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/dtype"
)

func createTestBF16Tensor(t *testing.T, size []int, values []float32) *Tensor {
	t.Helper()
	raw := make([]byte, 2*len(values))
	dtype.EncodeBFloat16LittleEndian(raw, values)
	tensor, err := NewTensor("test_bf16", size, nil, DT_BF16, raw)
	if err != nil {
		t.Fatal(err)
	}
	return tensor
}

func createTestF32Tensor(t *testing.T, size []int, values []float32) *Tensor {
	t.Helper()
	tensor, err := NewTensorFromFloat32("test_f32", size, values)
	if err != nil {
		t.Fatal(err)
	}
	return tensor
}

func TestLinearTransformationBF16(t *testing.T) {
	input := createTestF32Tensor(t, []int{2, 3}, []float32{
		1, 2, 3,
		-1, 0.5, 4,
	})
	weights := createTestBF16Tensor(t, []int{2, 3}, []float32{
		0.5, 1, -1,
		2, 0, 0.25,
	})

	actual, err := LinearTransformation(context.Background(), input, weights)
	if err != nil {
		t.Fatal(err)
	}
	expected := []float32{
		0.5 + 2 - 3, 2 + 0 + 0.75,
		-0.5 + 0.5 - 4, -2 + 0 + 1,
	}
	if err := CompareTestTensor(expected, []int{2, 2}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestLinearTransformationManyOutputs(t *testing.T) {
	// enough output features to be split across several goroutines
	const inFeatures, outFeatures = 5, 100
	inputValues := []float32{1, 2, 3, 4, 5}
	weightValues := make([]float32, outFeatures*inFeatures)
	expected := make([]float32, outFeatures)
	for o := 0; o < outFeatures; o++ {
		for i := 0; i < inFeatures; i++ {
			w := float32((o+i)%7) - 3
			weightValues[o*inFeatures+i] = w
			expected[o] += w * inputValues[i]
		}
	}
	input := createTestF32Tensor(t, []int{1, inFeatures}, inputValues)
	weights := createTestF32Tensor(t, []int{outFeatures, inFeatures}, weightValues)

	actual, err := LinearTransformation(context.Background(), input, weights)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor(expected, []int{1, outFeatures}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestLinearTransformationCancelled(t *testing.T) {
	input := createTestF32Tensor(t, []int{1, 2}, []float32{1, 2})
	weights := createTestF32Tensor(t, []int{1, 2}, []float32{1, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := LinearTransformation(ctx, input, weights); err == nil {
		t.Errorf("Expected an error for a cancelled context")
	}
}

func TestLinearTransformationShapeMismatch(t *testing.T) {
	input := createTestF32Tensor(t, []int{1, 3}, []float32{1, 2, 3})
	weights := createTestF32Tensor(t, []int{1, 2}, []float32{1, 2})
	if _, err := LinearTransformation(context.Background(), input, weights); err == nil {
		t.Errorf("Expected an error for incompatible shapes")
	}
}

func TestRMSNorm(t *testing.T) {
	input := createTestF32Tensor(t, []int{2, 4}, []float32{
		1, 2, 3, 4,
		2, 2, 2, 2,
	})
	weights := createTestBF16Tensor(t, []int{4}, []float32{1, 1, 2, 0.5})

	actual, err := RMSNorm(input, weights, 1e-5)
	if err != nil {
		t.Fatal(err)
	}
	scale1 := float32(1 / math.Sqrt(7.5+1e-5))
	scale2 := float32(1 / math.Sqrt(4+1e-5))
	expected := []float32{
		1 * scale1, 2 * scale1, 3 * scale1 * 2, 4 * scale1 * 0.5,
		2 * scale2, 2 * scale2, 2 * scale2 * 2, 2 * scale2 * 0.5,
	}
	if err := CompareTestTensor(expected, []int{2, 4}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestSoftmaxInPlace(t *testing.T) {
	values := []float32{1, 2, 3}
	SoftmaxInPlace(values, values)
	assertFloat32s(t, []float32{0.09003057, 0.24472847, 0.66524096}, values)

	src := []float32{1000, 1000, float32(math.Inf(-1))}
	dst := make([]float32, len(src))
	SoftmaxInPlace(dst, src)
	assertFloat32s(t, []float32{0.5, 0.5, 0}, dst)

	// every position masked
	masked := []float32{float32(math.Inf(-1)), float32(math.Inf(-1))}
	SoftmaxInPlace(masked, masked)
	assertFloat32s(t, []float32{0.5, 0.5}, masked)
}

func assertFloat32s(t *testing.T, expected []float32, actual []float32) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Fatalf("Expected %d items, but got %d", len(expected), len(actual))
	}
	for i := range expected {
		if !common.AlmostEqualFloat32(expected[i], actual[i], common.THRESHOLD_F32) {
			t.Errorf("Expected %g at index %d, but got %g", expected[i], i, actual[i])
		}
	}
}

func TestSwiGLU(t *testing.T) {
	gate := createTestF32Tensor(t, []int{3}, []float32{0, 1, -1})
	// silu(x) alone
	actual, err := SwiGLU(gate, createTestF32Tensor(t, []int{3}, []float32{1, 1, 1}))
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor([]float32{0, 0.7310586, -0.26894143}, []int{3}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	up := createTestF32Tensor(t, []int{3}, []float32{5, 2, 2})
	actual, err = SwiGLU(gate, up)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor([]float32{0, 1.4621172, -0.53788286}, []int{3}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestAdd(t *testing.T) {
	a := createTestF32Tensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := createTestF32Tensor(t, []int{2, 2}, []float32{0.5, -1, 2, 0})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor([]float32{1.5, 1, 5, 4}, []int{2, 2}, sum, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	c := createTestF32Tensor(t, []int{4}, []float32{1, 2, 3, 4})
	if _, err := Add(a, c); err == nil {
		t.Errorf("Expected an error for tensors in different shapes")
	}
}

func TestFwdGetRows(t *testing.T) {
	embedding := createTestBF16Tensor(t, []int{3, 2}, []float32{
		0, 0.5,
		1, 1.5,
		2, 2.5,
	})
	tokens := NewEmptyTensor([]int{2}, DT_INT32)
	if err := tokens.SetItem([]int{0}, int32(2)); err != nil {
		t.Fatal(err)
	}
	if err := tokens.SetItem([]int{1}, int32(0)); err != nil {
		t.Fatal(err)
	}

	actual, err := Fwd_Get_Rows(embedding, tokens)
	if err != nil {
		t.Fatal(err)
	}
	if err := CompareTestTensor([]float32{2, 2.5, 0, 0.5}, []int{2, 2}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	if err := tokens.SetItem([]int{1}, int32(3)); err != nil {
		t.Fatal(err)
	}
	if _, err := Fwd_Get_Rows(embedding, tokens); err == nil {
		t.Errorf("Expected an error for a token id out of range")
	}
}

func TestArgmax(t *testing.T) {
	if actual := ArgmaxFloat32([]float32{0.1, 3, -2, 3, 1}); actual != 1 {
		t.Errorf("Expected 1, but got %d", actual)
	}
	if ArgmaxFloat32(nil) != -1 {
		t.Errorf("Expected -1 for an empty slice")
	}
}

func TestRotaryEmbeddings(t *testing.T) {
	freqsCis, err := PrecomputeFreqsCis(4, 3, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if freqsCis.Size[0] != 3 || freqsCis.Size[1] != 2 {
		t.Fatalf("Expected shape [3 2], but got %v", freqsCis.Size)
	}
	// item [1, 0]
	item := freqsCis.GetItemByOffset(2 * DT_COMPLEX.ItemSize)
	// position 1, first frequency is theta^0 = 1
	expectedItem := complex64(complex(math.Cos(1), math.Sin(1)))
	if item.(complex64) != expectedItem {
		t.Errorf("Expected %v, but got %v", expectedItem, item)
	}

	input := createTestF32Tensor(t, []int{2, 1, 4}, []float32{
		1, 0, 1, 0,
		1, 0, 0, 1,
	})
	freqs, err := freqsCis.Slice(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	actual, err := ApplyRotaryEmbeddings(input, freqs)
	if err != nil {
		t.Fatal(err)
	}
	// position 0 is left as is, position 1 rotates (1, 0) by 1 radian and (0, 1) by 0.01 radian
	expected := []float32{
		1, 0, 1, 0,
		float32(math.Cos(1)), float32(math.Sin(1)), float32(-math.Sin(0.01)), float32(math.Cos(0.01)),
	}
	if err := CompareTestTensor(expected, []int{2, 1, 4}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}
