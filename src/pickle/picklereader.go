package pickle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

type PickleReader struct {
	fileReader *bufio.Reader

	proto     byte
	stack     []interface{}
	metastack [][]interface{}
	memo      map[int]interface{}

	FindClassFn      func(module string, name string) (interface{}, error)
	PersistentLoadFn func(pid []interface{}) (interface{}, error)
}

func NewPickleReader(fileReader io.Reader) *PickleReader {
	return &PickleReader{
		fileReader: bufio.NewReader(fileReader),
		stack:      make([]interface{}, 0),
		metastack:  make([][]interface{}, 0),
		memo:       map[int]interface{}{},
	}
}

// Load reads opcodes until STOP and returns the object on top of the stack.
func (pr *PickleReader) Load() (interface{}, error) {
	for {
		key, err := pr.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("pickle data ended before STOP opcode: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		if err = dispatch(pr, key); err != nil {
			var stop *stopSignal
			if errors.As(err, &stop) {
				return stop.value, nil
			}
			return nil, err
		}
	}
}

// LoadDict loads a pickle whose top level object is a dictionary.
func (pr *PickleReader) LoadDict() (*PickleDict[interface{}], error) {
	value, err := pr.Load()
	if err != nil {
		return nil, err
	}
	dict, ok := value.(*PickleDict[interface{}])
	if !ok {
		return nil, fmt.Errorf("top level pickle object is %T, not a dictionary", value)
	}
	return dict, nil
}

func (pr *PickleReader) Read(byteCount int) ([]byte, error) {
	if byteCount < 0 {
		return nil, fmt.Errorf("negative byte count %d", byteCount)
	}
	buf := make([]byte, byteCount)
	if _, err := io.ReadFull(pr.fileReader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (pr *PickleReader) ReadByte() (byte, error) {
	return pr.fileReader.ReadByte()
}

func (pr *PickleReader) ReadLine() (string, error) {
	line, err := pr.fileReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}

func (pr *PickleReader) Append(item interface{}) {
	pr.stack = append(pr.stack, item)
}

func (pr *PickleReader) pop() (interface{}, error) {
	if len(pr.stack) == 0 {
		return nil, fmt.Errorf("unpickling stack underflow")
	}
	item := pr.stack[len(pr.stack)-1]
	pr.stack = pr.stack[:len(pr.stack)-1]
	return item, nil
}

func (pr *PickleReader) top() (interface{}, error) {
	if len(pr.stack) == 0 {
		return nil, fmt.Errorf("unpickling stack underflow")
	}
	return pr.stack[len(pr.stack)-1], nil
}

// popMark returns the items pushed after the last MARK and restores the previous stack.
func (pr *PickleReader) popMark() ([]interface{}, error) {
	if len(pr.metastack) == 0 {
		return nil, fmt.Errorf("could not find MARK")
	}
	items := pr.stack
	pr.stack = pr.metastack[len(pr.metastack)-1]
	pr.metastack = pr.metastack[:len(pr.metastack)-1]
	return items, nil
}

func (pr *PickleReader) persistentLoad(pid []interface{}) (interface{}, error) {
	if pr.PersistentLoadFn != nil {
		return pr.PersistentLoadFn(pid)
	}
	return nil, fmt.Errorf("unsupported persistent id encountered, no PersistentLoadFn is set")
}

func (pr *PickleReader) findClass(module string, name string) (interface{}, error) {
	var err error
	if pr.FindClassFn != nil {
		var result interface{}
		result, err = pr.FindClassFn(module, name)
		if err == nil {
			return result, nil
		}
	}
	result, ok := BASE_CLASSES[module+"."+name]
	if !ok {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unknown class \"%s.%s\" not found", module, name)
	}
	return result, nil
}
