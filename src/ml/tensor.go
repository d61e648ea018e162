package ml

import (
	"fmt"
	"strings"
	"unsafe"
)

type Tensor struct {
	Name     string
	Size     []int
	Stride   []int
	DataType DataType
	RawData  []byte

	ByteStride []int
}

// NewTensor wraps existing bytes, they are not copied. Stride is in items, nil means contiguous.
func NewTensor(name string, size []int, stride []int, dataType DataType, rawData []byte) (*Tensor, error) {
	result := &Tensor{
		Name:       name,
		Size:       size,
		Stride:     stride,
		DataType:   dataType,
		RawData:    rawData,
		ByteStride: calculateByteStride(size, dataType),
	}
	if result.Stride == nil {
		result.Stride = calculateStride(size)
	}
	if !result.IsContiguous() {
		return nil, fmt.Errorf("tensor \"%s\" with size %v and stride %v is not contiguous", name, size, stride)
	}
	if len(rawData) != result.GetBytesCount() {
		return nil, fmt.Errorf("tensor \"%s\" expects %d bytes, got %d", name, result.GetBytesCount(), len(rawData))
	}
	return result, nil
}

func NewEmptyTensorEx(name string, size []int, dataType DataType) *Tensor {
	result := &Tensor{
		Name:       name,
		Size:       size,
		Stride:     calculateStride(size),
		DataType:   dataType,
		ByteStride: calculateByteStride(size, dataType),
	}
	result.RawData = allocAligned(result.GetBytesCount())
	return result
}

func NewEmptyTensor(size []int, dataType DataType) *Tensor {
	return NewEmptyTensorEx("", size, dataType)
}

// NewTensorFromFloat32 copies values into a new F32 tensor.
func NewTensorFromFloat32(name string, size []int, values []float32) (*Tensor, error) {
	result := NewEmptyTensorEx(name, size, DT_F32)
	if result.GetElementCount() != len(values) {
		return nil, fmt.Errorf("tensor \"%s\" with size %v needs %d values, got %d", name, size, result.GetElementCount(), len(values))
	}
	copy(result.float32s(), values)
	return result, nil
}

// allocAligned backs the byte slice with uint64 words so float32 and complex64 views are aligned.
func allocAligned(bytesCount int) []byte {
	if bytesCount == 0 {
		return []byte{}
	}
	words := make([]uint64, (bytesCount+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), bytesCount)
}

func (t *Tensor) GetShape() []int {
	return t.Size
}

func (t *Tensor) GetElementCount() int {
	result := 1
	for _, shapeItem := range t.Size {
		result = result * shapeItem
	}
	return result
}

func (t *Tensor) GetBytesCount() int {
	return t.GetElementCount() * t.DataType.ItemSize
}

func (t *Tensor) IsVector() bool {
	return len(t.Size) == 1
}

func (t *Tensor) IsMatrix() bool {
	return len(t.Size) == 2
}

func (t *Tensor) IsContiguous() bool {
	expected := calculateStride(t.Size)
	if len(expected) != len(t.Stride) {
		return false
	}
	for i := range expected {
		// stride of a dimension with size 1 is irrelevant
		if t.Size[i] != 1 && expected[i] != t.Stride[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) SetItem(loc []int, val any) error {
	offset, err := t.byteOffset(loc)
	if err != nil {
		return err
	}
	return t.DataType.FuncSet.WriteItem(unsafe.Pointer(&t.RawData[offset]), val)
}

func (t *Tensor) GetItemByOffset(offset int) any {
	return t.DataType.FuncSet.ReadItem(unsafe.Pointer(&t.RawData[offset]))
}

func (t *Tensor) GetItemByOffset_AsFloat32(offset int) float32 {
	return t.DataType.FuncSet.ReadItem_AsFloat32(unsafe.Pointer(&t.RawData[offset]))
}

// Float32s returns the data of an F32 tensor as a slice sharing memory with RawData.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DataType != DT_F32 {
		return nil, fmt.Errorf("tensor \"%s\" is %s, not %s", t.Name, t.DataType, DT_F32)
	}
	return t.float32s(), nil
}

func (t *Tensor) float32s() []float32 {
	if len(t.RawData) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.RawData[0])), len(t.RawData)/4)
}

func (t *Tensor) bfloat16Bits() []uint16 {
	if len(t.RawData) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&t.RawData[0])), len(t.RawData)/2)
}

func (t *Tensor) complex64s() []complex64 {
	if len(t.RawData) == 0 {
		return nil
	}
	return unsafe.Slice((*complex64)(unsafe.Pointer(&t.RawData[0])), len(t.RawData)/8)
}

func (t *Tensor) int32s() []int32 {
	if len(t.RawData) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.RawData[0])), len(t.RawData)/4)
}

// ToFloat32 returns a widened copy, or t itself when it is already F32.
func (t *Tensor) ToFloat32() (*Tensor, error) {
	switch t.DataType {
	case DT_F32:
		return t, nil
	case DT_BF16, DT_INT32:
		dst := NewEmptyTensorEx(t.Name, t.Size, DT_F32)
		dstData := dst.float32s()
		for i := range dstData {
			dstData[i] = t.GetItemByOffset_AsFloat32(i * t.DataType.ItemSize)
		}
		return dst, nil
	}
	return nil, fmt.Errorf("unsupported tensor datatype %s", t.DataType)
}

// Slice returns a view of the rows [start, end) along the first dimension.
func (t *Tensor) Slice(start int, end int) (*Tensor, error) {
	if len(t.Size) == 0 {
		return nil, fmt.Errorf("cannot slice scalar tensor \"%s\"", t.Name)
	}
	if start < 0 || end > t.Size[0] || start > end {
		return nil, fmt.Errorf("slice [%d:%d] is out of range for tensor \"%s\" with shape %v", start, end, t.Name, t.Size)
	}
	size := append([]int{end - start}, t.Size[1:]...)
	rowBytes := 0
	if len(t.ByteStride) > 0 {
		rowBytes = t.ByteStride[0]
	}
	return &Tensor{
		Name:       t.Name,
		Size:       size,
		Stride:     calculateStride(size),
		DataType:   t.DataType,
		RawData:    t.RawData[start*rowBytes : end*rowBytes],
		ByteStride: calculateByteStride(size, t.DataType),
	}, nil
}

// Reshape returns a view with a new shape holding the same number of elements.
func (t *Tensor) Reshape(size []int) (*Tensor, error) {
	result := &Tensor{
		Name:       t.Name,
		Size:       size,
		Stride:     calculateStride(size),
		DataType:   t.DataType,
		RawData:    t.RawData,
		ByteStride: calculateByteStride(size, t.DataType),
	}
	if result.GetElementCount() != t.GetElementCount() {
		return nil, fmt.Errorf("cannot reshape tensor \"%s\" from %v to %v", t.Name, t.Size, size)
	}
	return result, nil
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor{name: %q, shape: %v, dtype: %s, values: [", t.Name, t.Size, t.DataType)
	count := t.GetElementCount()
	for i := 0; i < count; i++ {
		if i == 3 && count > 6 {
			sb.WriteString(" ...")
			i = count - 3
		}
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(t.DataType.FuncSet.ToString(t.GetItemByOffset(i * t.DataType.ItemSize)))
	}
	sb.WriteString("]}")
	return sb.String()
}

func (t *Tensor) byteOffset(loc []int) (int, error) {
	if len(loc) != len(t.Size) {
		return 0, fmt.Errorf("dimensions are not compatible: tensor is %dD, loc is %dD", len(t.Size), len(loc))
	}
	offset := 0
	for i := 0; i < len(loc); i++ {
		if loc[i] < 0 || loc[i] >= t.Size[i] {
			return 0, fmt.Errorf("index %v is out of range for tensor \"%s\" with shape %v", loc, t.Name, t.Size)
		}
		offset += loc[i] * t.ByteStride[i]
	}
	if len(t.RawData) < offset+t.DataType.ItemSize {
		return 0, fmt.Errorf("tensor \"%s\" has no data at %v", t.Name, loc)
	}
	return offset, nil
}

func calculateStride(size []int) []int {
	result := make([]int, len(size))
	if len(size) == 0 {
		return result
	}
	result[len(size)-1] = 1
	for i := len(size) - 2; i >= 0; i-- {
		result[i] = result[i+1] * size[i+1]
	}
	return result
}

func calculateByteStride(size []int, dataType DataType) []int {
	result := calculateStride(size)
	for i := range result {
		result[i] *= dataType.ItemSize
	}
	return result
}
