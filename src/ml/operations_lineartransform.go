package ml

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minimum weight rows handed to one goroutine
const linearTransformationMinChunk = 16

// LinearTransformation computes input @ weights^T like torch.nn.functional.linear.
// input is F32 [rows, in_features], weights is BF16 or F32 [out_features, in_features],
// result is F32 [rows, out_features]. Output features are split across goroutines.
func LinearTransformation(ctx context.Context, input *Tensor, weights *Tensor) (*Tensor, error) {
	if err := processErrors(
		checkIsMatrix(input),
		checkIsMatrix(weights),
		checkDataType(input, DT_F32),
		checkDataType(weights, DT_BF16, DT_F32),
	); err != nil {
		return nil, err
	}
	rowsSize := input.Size[0]
	// Linear unit weights size: [out_features, in_features]
	weightsOutputSize := weights.Size[0]
	weightsInputSize := weights.Size[1]
	if err := checkLastDim(input, weightsInputSize); err != nil {
		return nil, err
	}

	dst := NewEmptyTensor([]int{rowsSize, weightsOutputSize}, DT_F32)
	inputData, dstData := input.float32s(), dst.float32s()

	var dotFn func(x []float32, wOutIdx int) float32
	switch weights.DataType {
	case DT_BF16:
		w := weights.bfloat16Bits()
		dotFn = func(x []float32, wOutIdx int) float32 {
			return dotBF16(x, w[wOutIdx*weightsInputSize:(wOutIdx+1)*weightsInputSize])
		}
	default:
		w := weights.float32s()
		dotFn = func(x []float32, wOutIdx int) float32 {
			return dotF32(x, w[wOutIdx*weightsInputSize:(wOutIdx+1)*weightsInputSize])
		}
	}

	workerCount := runtime.GOMAXPROCS(0)
	chunkSize := max(linearTransformationMinChunk, (weightsOutputSize+workerCount-1)/workerCount)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workerCount)
	for chunkStart := 0; chunkStart < weightsOutputSize; chunkStart += chunkSize {
		chunkEnd := min(chunkStart+chunkSize, weightsOutputSize)
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			for rowIdx := 0; rowIdx < rowsSize; rowIdx++ {
				// Goal in Python manner: dst[rowIdx][wOutIdx] = sum(input[rowIdx][:] * weights[wOutIdx][:])
				x := inputData[rowIdx*weightsInputSize : (rowIdx+1)*weightsInputSize]
				dstRow := dstData[rowIdx*weightsOutputSize : (rowIdx+1)*weightsOutputSize]
				for wOutIdx := chunkStart; wOutIdx < chunkEnd; wOutIdx++ {
					dstRow[wOutIdx] = dotFn(x, wOutIdx)
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return dst, nil
}

func dotBF16(x []float32, w []uint16) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(x); i += 4 {
		s0 += x[i] * math.Float32frombits(uint32(w[i])<<16)
		s1 += x[i+1] * math.Float32frombits(uint32(w[i+1])<<16)
		s2 += x[i+2] * math.Float32frombits(uint32(w[i+2])<<16)
		s3 += x[i+3] * math.Float32frombits(uint32(w[i+3])<<16)
	}
	for ; i < len(x); i++ {
		s0 += x[i] * math.Float32frombits(uint32(w[i])<<16)
	}
	return (s0 + s1) + (s2 + s3)
}

func dotF32(x []float32, w []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(x); i += 4 {
		s0 += x[i] * w[i]
		s1 += x[i+1] * w[i+1]
		s2 += x[i+2] * w[i+2]
		s3 += x[i+3] * w[i+3]
	}
	for ; i < len(x); i++ {
		s0 += x[i] * w[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// DotFloat32 is exposed for attention score computation.
func DotFloat32(x []float32, y []float32) float32 {
	return dotF32(x, y)
}
