package pickle

import (
	"bytes"
	"errors"
	"io"
	"math/big"
	"testing"
)

func loadBytes(t *testing.T, data []byte) (interface{}, error) {
	t.Helper()
	return NewPickleReader(bytes.NewReader(data)).Load()
}

func TestLoadDictWithList(t *testing.T) {
	// {'a': 1, 'b': [2, 300], 'c': (True, None, -2)} pickled with protocol 2
	data := []byte{
		PROTO, 2,
		EMPTY_DICT, BINPUT, 0,
		MARK,
		BINUNICODE, 1, 0, 0, 0, 'a', BININT1, 1,
		BINUNICODE, 1, 0, 0, 0, 'b', EMPTY_LIST, BINPUT, 1, MARK, BININT1, 2, BININT2, 0x2c, 0x01, APPENDS,
		SHORT_BINUNICODE, 1, 'c', NEWTRUE, NONE, BININT, 0xfe, 0xff, 0xff, 0xff, TUPLE3,
		SETITEMS,
		STOP,
	}
	dict, err := NewPickleReader(bytes.NewReader(data)).LoadDict()
	if err != nil {
		t.Fatal(err)
	}
	keys := dict.GetKeys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("Unexpected keys: %v", keys)
	}
	if a, _ := dict.Get("a"); a != 1 {
		t.Errorf("Expected a=1, but got %v", a)
	}
	b, _ := dict.Get("b")
	list, ok := b.(*PickleList)
	if !ok || len(list.Items) != 2 || list.Items[0] != 2 || list.Items[1] != 300 {
		t.Errorf("Unexpected list value: %#v", b)
	}
	c, _ := dict.Get("c")
	tuple, ok := c.(PickleTuple)
	if !ok || len(tuple) != 3 || tuple[0] != true || tuple[1] != nil || tuple[2] != -2 {
		t.Errorf("Unexpected tuple value: %#v", c)
	}
}

func TestMemoAndFloat(t *testing.T) {
	// [1.5, 1.5] where the second item is fetched from the memo
	data := []byte{
		PROTO, 4,
		EMPTY_LIST, MEMOIZE,
		BINFLOAT, 0x3f, 0xf8, 0, 0, 0, 0, 0, 0, MEMOIZE, APPEND,
		BINGET, 1, APPEND,
		STOP,
	}
	value, err := loadBytes(t, data)
	if err != nil {
		t.Fatal(err)
	}
	list := value.(*PickleList)
	if len(list.Items) != 2 || list.Items[0] != 1.5 || list.Items[1] != 1.5 {
		t.Errorf("Unexpected list: %#v", list.Items)
	}
}

func TestLong1(t *testing.T) {
	testCases := []struct {
		data     []byte
		expected interface{}
	}{
		{[]byte{}, 0},
		{[]byte{0xff}, -1},
		{[]byte{0x00, 0x01}, 256},
		{[]byte{0xff, 0x7f}, 32767},
	}
	for _, tc := range testCases {
		stream := append([]byte{LONG1, byte(len(tc.data))}, tc.data...)
		stream = append(stream, STOP)
		actual, err := loadBytes(t, stream)
		if err != nil {
			t.Fatal(err)
		}
		if actual != tc.expected {
			t.Errorf("LONG1 %v: expected %v, but got %v", tc.data, tc.expected, actual)
		}
	}

	huge := []byte{LONG1, 9, 0, 0, 0, 0, 0, 0, 0, 0, 1, STOP}
	actual, err := loadBytes(t, huge)
	if err != nil {
		t.Fatal(err)
	}
	expected := new(big.Int).Lsh(big.NewInt(1), 64)
	if bi, ok := actual.(*big.Int); !ok || bi.Cmp(expected) != 0 {
		t.Errorf("Expected 2^64, but got %v", actual)
	}
}

type testTensor struct {
	key string
}

func TestGlobalReduceAndPersistentLoad(t *testing.T) {
	// OrderedDict() with {'w': rebuild(persistent_load(('storage', '0')))} and BUILD state
	data := []byte{PROTO, 2, GLOBAL}
	data = append(data, []byte("collections\nOrderedDict\n")...)
	data = append(data, EMPTY_TUPLE, REDUCE, MARK)
	data = append(data, SHORT_BINUNICODE, 1, 'w', GLOBAL)
	data = append(data, []byte("test\nrebuild\n")...)
	data = append(data,
		SHORT_BINUNICODE, 7, 's', 't', 'o', 'r', 'a', 'g', 'e',
		SHORT_BINUNICODE, 1, '0',
		TUPLE2, BINPERSID, TUPLE1, REDUCE,
		SETITEMS,
		EMPTY_DICT, BUILD,
		STOP,
	)

	pr := NewPickleReader(bytes.NewReader(data))
	pr.FindClassFn = func(module string, name string) (interface{}, error) {
		if module == "test" && name == "rebuild" {
			return CallableFn(func(args ...interface{}) (interface{}, error) {
				return args[0], nil
			}), nil
		}
		return nil, errors.New("not a test class")
	}
	pr.PersistentLoadFn = func(pid []interface{}) (interface{}, error) {
		return &testTensor{key: pid[1].(string)}, nil
	}
	dict, err := pr.LoadDict()
	if err != nil {
		t.Fatal(err)
	}
	w, ok := dict.Get("w")
	if !ok {
		t.Fatalf("Expected key w, keys: %v", dict.GetKeys())
	}
	if tensor, ok := w.(*testTensor); !ok || tensor.key != "0" {
		t.Errorf("Unexpected value: %#v", w)
	}
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"unknown opcode", []byte{0xff}},
		{"unsupported protocol", []byte{PROTO, 9, STOP}},
		{"stack underflow", []byte{PROTO, 2, APPEND}},
		{"missing mark", []byte{TUPLE}},
		{"unknown class", append(append([]byte{GLOBAL}, []byte("os\nsystem\n")...), STOP)},
		{"memo miss", []byte{BINGET, 3, STOP}},
		{"persistent id without loader", []byte{SHORT_BINUNICODE, 1, 'x', TUPLE1, BINPERSID, STOP}},
	}
	for _, tc := range testCases {
		if _, err := loadBytes(t, tc.data); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}

	_, err := loadBytes(t, []byte{PROTO, 2, NONE})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, but got %v", err)
	}

	if _, err := NewPickleReader(bytes.NewReader([]byte{NONE, STOP})).LoadDict(); err == nil {
		t.Errorf("Expected an error for a non dictionary top level object")
	}
}
