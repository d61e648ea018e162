package ml

import (
	"fmt"
	"slices"
)

func processErrors(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

func checkIsVector(t *Tensor) error {
	if t.IsVector() {
		return nil
	}
	return fmt.Errorf("tensor \"%s\" with shape %v is not a vector", t.Name, t.GetShape())
}

func checkIsMatrix(t *Tensor) error {
	if t.IsMatrix() {
		return nil
	}
	return fmt.Errorf("tensor \"%s\" with shape %v is not a matrix", t.Name, t.GetShape())
}

func checkDataType(t *Tensor, dataTypes ...DataType) error {
	for _, dataType := range dataTypes {
		if t.DataType == dataType {
			return nil
		}
	}
	return fmt.Errorf("tensor \"%s\" is %s, expected one of %v", t.Name, t.DataType, dataTypes)
}

func checkSameDataType(a *Tensor, b *Tensor) error {
	if a.DataType == b.DataType {
		return nil
	}
	return fmt.Errorf("tensors are not in same data type: \"%s\" is %s, \"%s\" is %s", a.Name, a.DataType, b.Name, b.DataType)
}

func checkSameShape(a *Tensor, b *Tensor) error {
	if slices.Equal(a.Size, b.Size) {
		return nil
	}
	return fmt.Errorf("tensors are not in same shape: \"%s\" is %v, \"%s\" is %v", a.Name, a.Size, b.Name, b.Size)
}

func checkLastDim(t *Tensor, expected int) error {
	if len(t.Size) > 0 && t.Size[len(t.Size)-1] == expected {
		return nil
	}
	return fmt.Errorf("tensor \"%s\" with shape %v must have last dimension %d", t.Name, t.Size, expected)
}
