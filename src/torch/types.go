package torch

import (
	"fmt"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/ml"
	"github.com/adalkiran/llama-serve/src/pickle"
)

// See: https://github.com/pytorch/pytorch/blob/main/torch/_utils.py

var TORCH_CLASSES = map[string]interface{}{
	"torch._utils._rebuild_tensor_v2": pickle.CallableFn(rebuild_tensor_v2),

	"torch.BFloat16Storage": StorageKind{ml.DT_BF16},
	"torch.FloatStorage":    StorageKind{ml.DT_F32},
	"torch.IntStorage":      StorageKind{ml.DT_INT32},
}

type StorageKind struct {
	dataType ml.DataType
}

func (sk StorageKind) String() string {
	return fmt.Sprintf("StorageKind{%s}", sk.dataType)
}

// StorageDescriptor points to the bytes of one storage record in the checkpoint archive.
type StorageDescriptor struct {
	filename string
	kind     StorageKind
	data     []byte
}

func (sd *StorageDescriptor) ElementCount() int {
	return len(sd.data) / sd.kind.dataType.ItemSize
}

// rebuild_tensor_v2(storage, storage_offset, size, stride, requires_grad, backward_hooks[, metadata])
func rebuild_tensor_v2(args ...interface{}) (interface{}, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("_rebuild_tensor_v2 expects at least 4 arguments, got %d", len(args))
	}
	storage, ok := args[0].(*StorageDescriptor)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v2 storage argument is %T", args[0])
	}
	storageOffset, err := common.InterfaceToInt(args[1])
	if err != nil {
		return nil, err
	}
	sizeTuple, ok1 := args[2].(pickle.PickleTuple)
	strideTuple, ok2 := args[3].(pickle.PickleTuple)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("_rebuild_tensor_v2 size and stride must be tuples, got %T and %T", args[2], args[3])
	}
	size, err := common.InterfaceArrToIntArr(sizeTuple)
	if err != nil {
		return nil, err
	}
	stride, err := common.InterfaceArrToIntArr(strideTuple)
	if err != nil {
		return nil, err
	}

	dataType := storage.kind.dataType
	elementCount := 1
	for _, dim := range size {
		elementCount *= dim
	}
	if storageOffset < 0 || storageOffset+elementCount > storage.ElementCount() {
		return nil, fmt.Errorf("tensor with size %v at offset %d exceeds storage %s of %d items",
			size, storageOffset, storage.filename, storage.ElementCount())
	}
	start := storageOffset * dataType.ItemSize
	end := start + elementCount*dataType.ItemSize
	tensor, err := ml.NewTensor("", size, stride, dataType, storage.data[start:end])
	if err != nil {
		return nil, err
	}
	return tensor, nil
}
