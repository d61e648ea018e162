package ml

import (
	"fmt"
	"math"

	"github.com/adalkiran/llama-serve/src/dtype"
)

func Zeros(size []int, dataType DataType) (*Tensor, error) {
	switch dataType {
	case DT_BF16, DT_F32, DT_INT32, DT_COMPLEX:
		// freshly allocated memory is already zero for every supported type
		return NewEmptyTensor(size, dataType), nil
	}
	return nil, fmt.Errorf("unsupported tensor datatype %s", dataType)
}

// Fwd_Get_Rows looks up embedding rows for token ids, the result is F32 [len(tokens), dim].
func Fwd_Get_Rows(embedding *Tensor, tokens *Tensor) (*Tensor, error) {
	if err := processErrors(
		checkIsMatrix(embedding),
		checkIsVector(tokens),
		checkDataType(embedding, DT_BF16, DT_F32),
		checkDataType(tokens, DT_INT32),
	); err != nil {
		return nil, err
	}

	rowCount := tokens.Size[0]
	embeddingDim := embedding.Size[1]
	dst := NewEmptyTensor([]int{rowCount, embeddingDim}, DT_F32)
	dstData := dst.float32s()

	for rowIdx, tokenId := range tokens.int32s() {
		row := int(tokenId)
		if row < 0 || row >= embedding.Size[0] {
			return nil, fmt.Errorf("token id %d is out of embedding range [0, %d)", row, embedding.Size[0])
		}
		dstRow := dstData[rowIdx*embeddingDim : (rowIdx+1)*embeddingDim]
		switch embedding.DataType {
		case DT_BF16:
			srcOffset := row * embedding.ByteStride[0]
			dtype.DecodeBFloat16LittleEndian(dstRow, embedding.RawData[srcOffset:srcOffset+embedding.ByteStride[0]])
		case DT_F32:
			copy(dstRow, embedding.float32s()[row*embeddingDim:(row+1)*embeddingDim])
		}
	}
	return dst, nil
}

// RMSNorm normalizes every row of input by its root mean square, then scales by weights.
// See: https://github.com/facebookresearch/llama/blob/ef351e9cd9496c579bf9f2bb036ef11bdc5ca3d2/llama/model.py#L34
func RMSNorm(input *Tensor, weights *Tensor, eps float32) (*Tensor, error) {
	if err := processErrors(
		checkDataType(input, DT_F32),
		checkIsVector(weights),
		checkDataType(weights, DT_BF16, DT_F32),
	); err != nil {
		return nil, err
	}
	dim := weights.Size[0]
	if err := checkLastDim(input, dim); err != nil {
		return nil, err
	}
	weightsF32, err := weights.ToFloat32()
	if err != nil {
		return nil, err
	}
	w := weightsF32.float32s()

	dst := NewEmptyTensorEx(input.Name, input.Size, DT_F32)
	src := input.float32s()
	dstData := dst.float32s()
	for rowStart := 0; rowStart < len(src); rowStart += dim {
		row := src[rowStart : rowStart+dim]
		sumSquares := float64(0)
		for _, v := range row {
			sumSquares += float64(v) * float64(v)
		}
		scale := float32(1 / math.Sqrt(sumSquares/float64(dim)+float64(eps)))
		dstRow := dstData[rowStart : rowStart+dim]
		for i, v := range row {
			dstRow[i] = v * scale * w[i]
		}
	}
	return dst, nil
}

func Add(input *Tensor, other *Tensor) (*Tensor, error) {
	return elementwise(input, other, func(a, b float32) float32 { return a + b })
}

func elementwise(input *Tensor, other *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := processErrors(
		checkDataType(input, DT_F32),
		checkSameDataType(input, other),
		checkSameShape(input, other),
	); err != nil {
		return nil, err
	}
	dst := NewEmptyTensorEx(input.Name, input.Size, DT_F32)
	a, b, dstData := input.float32s(), other.float32s(), dst.float32s()
	for i := range dstData {
		dstData[i] = fn(a[i], b[i])
	}
	return dst, nil
}

// SoftmaxInPlace writes softmax(src) into dst, which may be the same slice.
func SoftmaxInPlace(dst []float32, src []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		// every item is masked, fall back to uniform
		for i := range dst {
			dst[i] = 1 / float32(len(dst))
		}
		return
	}
	sum := float64(0)
	for i, v := range src {
		e := math.Exp(float64(v - maxVal))
		dst[i] = float32(e)
		sum += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / sum)
	}
}

// ArgmaxFloat32 returns the index of the greatest value, the first one wins ties.
func ArgmaxFloat32(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	result := 0
	for i, v := range values {
		if v > values[result] {
			result = i
		}
	}
	return result
}

// PrecomputeFreqsCis returns complex rotations of shape [end, dim/2].
// See: https://github.com/facebookresearch/llama/blob/ef351e9cd9496c579bf9f2bb036ef11bdc5ca3d2/llama/model.py#L80
func PrecomputeFreqsCis(dim int, end int, theta float64) (*Tensor, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("dimension %d must be a positive even number", dim)
	}
	if end <= 0 {
		return nil, fmt.Errorf("end %d must be positive", end)
	}
	halfDim := dim / 2
	dst := NewEmptyTensorEx("freqs_cis", []int{end, halfDim}, DT_COMPLEX)
	dstData := dst.complex64s()
	for i := 0; i < halfDim; i++ {
		freq := 1.0 / math.Pow(theta, float64(2*i)/float64(dim))
		for pos := 0; pos < end; pos++ {
			angle := float64(pos) * freq
			dstData[pos*halfDim+i] = complex64(complex(math.Cos(angle), math.Sin(angle)))
		}
	}
	return dst, nil
}

// ApplyRotaryEmbeddings rotates consecutive item pairs of input [seqLen, heads, headDim]
// by freqsCis [seqLen, headDim/2].
func ApplyRotaryEmbeddings(input *Tensor, freqsCis *Tensor) (*Tensor, error) {
	if err := processErrors(
		checkDataType(input, DT_F32),
		checkDataType(freqsCis, DT_COMPLEX),
		checkIsMatrix(freqsCis),
	); err != nil {
		return nil, err
	}
	if len(input.Size) != 3 {
		return nil, fmt.Errorf("tensor \"%s\" with shape %v must be [seqLen, heads, headDim]", input.Name, input.Size)
	}
	seqLen, heads, headDim := input.Size[0], input.Size[1], input.Size[2]
	if freqsCis.Size[0] != seqLen || freqsCis.Size[1]*2 != headDim {
		return nil, fmt.Errorf("freqs_cis shape %v is not compatible with input shape %v", freqsCis.Size, input.Size)
	}
	halfDim := headDim / 2
	dst := NewEmptyTensorEx(input.Name, input.Size, DT_F32)
	src, dstData, freqs := input.float32s(), dst.float32s(), freqsCis.complex64s()
	for pos := 0; pos < seqLen; pos++ {
		posFreqs := freqs[pos*halfDim : (pos+1)*halfDim]
		for head := 0; head < heads; head++ {
			base := (pos*heads + head) * headDim
			for i, f := range posFreqs {
				x := complex(src[base+2*i], src[base+2*i+1])
				r := x * f
				dstData[base+2*i] = real(r)
				dstData[base+2*i+1] = imag(r)
			}
		}
	}
	return dst, nil
}
