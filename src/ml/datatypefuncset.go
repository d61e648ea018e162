package ml

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/adalkiran/llama-serve/src/dtype"
)

type DataTypeFuncSet interface {
	ToString(val any) string

	ReadItem(rawDataPtr unsafe.Pointer) any
	WriteItem(rawDataPtr unsafe.Pointer, val any) error

	ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32
}

/*
	DataTypeFuncSet_BF16
*/

type DataTypeFuncSet_BF16 struct{}

func (dtfs DataTypeFuncSet_BF16) ToString(val any) string {
	v, ok := val.(dtype.BFloat16)
	if !ok {
		return fmt.Sprintf("%v", val)
	}
	return fmt.Sprintf("%.4e", v.Float32())
}

func (dtfs DataTypeFuncSet_BF16) ReadItem(rawDataPtr unsafe.Pointer) any {
	return dtype.BFloat16(*(*uint16)(rawDataPtr))
}

func (dtfs DataTypeFuncSet_BF16) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	convVal, ok := val.(dtype.BFloat16)
	if !ok {
		return fmt.Errorf("incompatible types BFloat16 and %v", reflect.TypeOf(val))
	}
	*(*dtype.BFloat16)(rawDataPtr) = convVal
	return nil
}

func (dtfs DataTypeFuncSet_BF16) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 {
	return dtype.BFloat16bitsToFloat32(*(*uint16)(rawDataPtr))
}

/*
	DataTypeFuncSet_F32
*/

type DataTypeFuncSet_F32 struct{}

func (dtfs DataTypeFuncSet_F32) ToString(val any) string {
	if _, ok := val.(float32); !ok {
		return fmt.Sprintf("%v", val)
	}
	return fmt.Sprintf("%.4e", val)
}

func (dtfs DataTypeFuncSet_F32) ReadItem(rawDataPtr unsafe.Pointer) any {
	return *(*float32)(rawDataPtr)
}

func (dtfs DataTypeFuncSet_F32) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	convVal, ok := val.(float32)
	if !ok {
		return fmt.Errorf("incompatible types float32 and %v", reflect.TypeOf(val))
	}
	*(*float32)(rawDataPtr) = convVal
	return nil
}

func (dtfs DataTypeFuncSet_F32) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 {
	return *(*float32)(rawDataPtr)
}

/*
	DataTypeFuncSet_INT32
*/

type DataTypeFuncSet_INT32 struct{}

func (dtfs DataTypeFuncSet_INT32) ToString(val any) string {
	if _, ok := val.(int32); !ok {
		return fmt.Sprintf("%v", val)
	}
	return fmt.Sprintf("%d", val)
}

func (dtfs DataTypeFuncSet_INT32) ReadItem(rawDataPtr unsafe.Pointer) any {
	return *(*int32)(rawDataPtr)
}

func (dtfs DataTypeFuncSet_INT32) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	convVal, ok := val.(int32)
	if !ok {
		return fmt.Errorf("incompatible types int32 and %v", reflect.TypeOf(val))
	}
	*(*int32)(rawDataPtr) = convVal
	return nil
}

func (dtfs DataTypeFuncSet_INT32) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 {
	return float32(*(*int32)(rawDataPtr))
}

/*
	DataTypeFuncSet_COMPLEX
*/

type DataTypeFuncSet_COMPLEX struct{}

func (dtfs DataTypeFuncSet_COMPLEX) ToString(val any) string {
	valConv, ok := val.(complex64)
	if !ok {
		return fmt.Sprintf("%v", val)
	}
	return fmt.Sprintf("%.4e+%.4ej", real(valConv), imag(valConv))
}

func (dtfs DataTypeFuncSet_COMPLEX) ReadItem(rawDataPtr unsafe.Pointer) any {
	return *(*complex64)(rawDataPtr)
}

func (dtfs DataTypeFuncSet_COMPLEX) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	convVal, ok := val.(complex64)
	if !ok {
		return fmt.Errorf("incompatible types complex64 and %v", reflect.TypeOf(val))
	}
	*(*complex64)(rawDataPtr) = convVal
	return nil
}

// Only the real part is exposed as float32.
func (dtfs DataTypeFuncSet_COMPLEX) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 {
	return real(*(*complex64)(rawDataPtr))
}
