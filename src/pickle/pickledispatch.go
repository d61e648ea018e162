package pickle

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
)

// See: https://github.com/python/cpython/blob/main/Lib/pickle.py
// See: https://docs.python.org/3/library/struct.html#format-characters

const (
	// This is the highest protocol number we know how to read.
	HIGHEST_PROTOCOL byte = 5

	PROTO            byte = 0x80 // identify pickle protocol
	FRAME            byte = 0x95 // indicate the beginning of a new frame
	STOP             byte = '.'  // every pickle ends with STOP
	MARK             byte = '('  // push special markobject on stack
	POP              byte = '0'  // discard topmost stack item
	POP_MARK         byte = '1'  // discard stack top through topmost markobject
	DUP              byte = '2'  // duplicate top stack item
	NONE             byte = 'N'  // push None
	NEWTRUE          byte = 0x88 // push True
	NEWFALSE         byte = 0x89 // push False
	BININT           byte = 'J'  // push four-byte signed int
	BININT1          byte = 'K'  // push 1-byte unsigned int
	BININT2          byte = 'M'  // push 2-byte unsigned int
	LONG1            byte = 0x8a // push long from < 256 bytes
	BINFLOAT         byte = 'G'  // push float; arg is 8-byte float encoding
	BINSTRING        byte = 'T'  // push string; counted binary string argument
	SHORT_BINSTRING  byte = 'U'  // push string; counted binary string argument < 256 bytes
	BINUNICODE       byte = 'X'  // push counted UTF-8 string argument
	SHORT_BINUNICODE byte = 0x8c // push short string; UTF-8 length < 256 bytes
	BINUNICODE8      byte = 0x8d // push very long string
	BINBYTES         byte = 'B'  // push bytes; counted binary string argument
	SHORT_BINBYTES   byte = 'C'  // push bytes; counted binary string argument < 256 bytes
	EMPTY_TUPLE      byte = ')'  // push empty tuple
	TUPLE            byte = 't'  // build tuple from topmost stack items
	TUPLE1           byte = 0x85 // build 1-tuple from stack top
	TUPLE2           byte = 0x86 // build 2-tuple from two topmost stack items
	TUPLE3           byte = 0x87 // build 3-tuple from three topmost stack items
	EMPTY_LIST       byte = ']'  // push empty list
	LIST             byte = 'l'  // build list from topmost stack items
	APPEND           byte = 'a'  // append stack top to list below it
	APPENDS          byte = 'e'  // extend list on stack by topmost stack slice
	EMPTY_DICT       byte = '}'  // push empty dict
	DICT             byte = 'd'  // build a dict from stack items
	SETITEM          byte = 's'  // add key+value pair to dict
	SETITEMS         byte = 'u'  // modify dict by adding topmost key+value pairs
	EMPTY_SET        byte = 0x8f // push empty set on the stack
	ADDITEMS         byte = 0x90 // modify set by adding topmost stack items
	GLOBAL           byte = 'c'  // push self.find_class(modname, name); 2 string args
	STACK_GLOBAL     byte = 0x93 // same as GLOBAL but using names on the stacks
	REDUCE           byte = 'R'  // apply callable to argtuple, both on stack
	BUILD            byte = 'b'  // call __setstate__ or __dict__.update()
	BINPERSID        byte = 'Q'  // push persistent object; id is taken from stack
	BINPUT           byte = 'q'  // store stack top in memo; index is 1-byte arg
	LONG_BINPUT      byte = 'r'  // store stack top in memo; index is 4-byte arg
	MEMOIZE          byte = 0x94 // store top of the stack in memo
	BINGET           byte = 'h'  // push item from memo on stack; index is 1-byte arg
	LONG_BINGET      byte = 'j'  // push item from memo on stack; index is 4-byte arg
)

type dispatchFunc = func(*PickleReader) error

var dispatcher = map[byte]dispatchFunc{
	PROTO:            load_proto,
	FRAME:            load_frame,
	STOP:             load_stop,
	MARK:             load_mark,
	POP:              load_pop,
	POP_MARK:         load_pop_mark,
	DUP:              load_dup,
	NONE:             load_none,
	NEWTRUE:          load_true,
	NEWFALSE:         load_false,
	BININT:           load_binint,
	BININT1:          load_binint1,
	BININT2:          load_binint2,
	LONG1:            load_long1,
	BINFLOAT:         load_binfloat,
	BINSTRING:        load_binstring,
	SHORT_BINSTRING:  load_short_binstring,
	BINUNICODE:       load_binunicode,
	SHORT_BINUNICODE: load_short_binunicode,
	BINUNICODE8:      load_binunicode8,
	BINBYTES:         load_binbytes,
	SHORT_BINBYTES:   load_short_binbytes,
	EMPTY_TUPLE:      load_empty_tuple,
	TUPLE:            load_tuple,
	TUPLE1:           load_tuple1,
	TUPLE2:           load_tuple2,
	TUPLE3:           load_tuple3,
	EMPTY_LIST:       load_empty_list,
	LIST:             load_list,
	APPEND:           load_append,
	APPENDS:          load_appends,
	EMPTY_DICT:       load_empty_dictionary,
	DICT:             load_dict,
	SETITEM:          load_setitem,
	SETITEMS:         load_setitems,
	EMPTY_SET:        load_empty_list,
	ADDITEMS:         load_appends,
	GLOBAL:           load_global,
	STACK_GLOBAL:     load_stack_global,
	REDUCE:           load_reduce,
	BUILD:            load_build,
	BINPERSID:        load_binpersid,
	BINPUT:           load_binput,
	LONG_BINPUT:      load_long_binput,
	MEMOIZE:          load_memoize,
	BINGET:           load_binget,
	LONG_BINGET:      load_long_binget,
}

func dispatch(pr *PickleReader, key byte) error {
	fn, ok := dispatcher[key]
	if ok {
		return fn(pr)
	}
	return fmt.Errorf("unsupported Pickle op code: 0x%X '%c'", key, key)
}

func load_proto(pr *PickleReader) error {
	proto, err := pr.ReadByte()
	if err != nil {
		return err
	}
	if proto > HIGHEST_PROTOCOL {
		return fmt.Errorf("unsupported pickle protocol: %d", proto)
	}
	pr.proto = proto
	return nil
}

func load_frame(pr *PickleReader) error {
	// frame size is only a read-ahead hint
	_, err := pr.Read(8)
	return err
}

func load_stop(pr *PickleReader) error {
	value, err := pr.pop()
	if err != nil {
		return err
	}
	return &stopSignal{value}
}

func load_mark(pr *PickleReader) error {
	pr.metastack = append(pr.metastack, pr.stack)
	pr.stack = make([]interface{}, 0)
	return nil
}

func load_pop(pr *PickleReader) error {
	if len(pr.stack) == 0 {
		_, err := pr.popMark()
		return err
	}
	_, err := pr.pop()
	return err
}

func load_pop_mark(pr *PickleReader) error {
	_, err := pr.popMark()
	return err
}

func load_dup(pr *PickleReader) error {
	item, err := pr.top()
	if err != nil {
		return err
	}
	pr.Append(item)
	return nil
}

func load_none(pr *PickleReader) error {
	pr.Append(nil)
	return nil
}

func load_true(pr *PickleReader) error {
	pr.Append(true)
	return nil
}

func load_false(pr *PickleReader) error {
	pr.Append(false)
	return nil
}

func load_binint(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	pr.Append(int(int32(binary.LittleEndian.Uint32(buf)))) // Python equivalent: unpack('<i')
	return nil
}

func load_binint1(pr *PickleReader) error {
	val, err := pr.ReadByte()
	if err != nil {
		return err
	}
	pr.Append(int(val))
	return nil
}

func load_binint2(pr *PickleReader) error {
	buf, err := pr.Read(2)
	if err != nil {
		return err
	}
	pr.Append(int(binary.LittleEndian.Uint16(buf))) // Python equivalent: unpack('<H')
	return nil
}

func load_long1(pr *PickleReader) error {
	n, err := pr.ReadByte()
	if err != nil {
		return err
	}
	data, err := pr.Read(int(n))
	if err != nil {
		return err
	}
	pr.Append(decodeLong(data))
	return nil
}

// decodeLong decodes a little endian two's complement integer, *big.Int is returned only when int64 overflows.
func decodeLong(data []byte) interface{} {
	if len(data) == 0 {
		return 0
	}
	bigEndian := make([]byte, len(data))
	for i, b := range data {
		bigEndian[len(data)-1-i] = b
	}
	result := new(big.Int).SetBytes(bigEndian)
	if data[len(data)-1]&0x80 != 0 {
		result.Sub(result, new(big.Int).Lsh(big.NewInt(1), uint(8*len(data))))
	}
	if result.IsInt64() {
		return int(result.Int64())
	}
	return result
}

func load_binfloat(pr *PickleReader) error {
	buf, err := pr.Read(8)
	if err != nil {
		return err
	}
	pr.Append(math.Float64frombits(binary.BigEndian.Uint64(buf))) // Python equivalent: unpack('>d')
	return nil
}

func readCounted(pr *PickleReader, lengthBytes int) ([]byte, error) {
	var length uint64
	switch lengthBytes {
	case 1:
		b, err := pr.ReadByte()
		if err != nil {
			return nil, err
		}
		length = uint64(b)
	case 4:
		buf, err := pr.Read(4)
		if err != nil {
			return nil, err
		}
		length = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		buf, err := pr.Read(8)
		if err != nil {
			return nil, err
		}
		length = binary.LittleEndian.Uint64(buf)
	}
	if length > math.MaxInt32 {
		return nil, fmt.Errorf("unpickling: counted value of %d bytes exceeds maximum size", length)
	}
	return pr.Read(int(length))
}

func load_binstring(pr *PickleReader) error {
	// Deprecated BINSTRING uses signed 32-bit length
	data, err := readCounted(pr, 4)
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_short_binstring(pr *PickleReader) error {
	data, err := readCounted(pr, 1)
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_binunicode(pr *PickleReader) error {
	data, err := readCounted(pr, 4)
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_short_binunicode(pr *PickleReader) error {
	data, err := readCounted(pr, 1)
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_binunicode8(pr *PickleReader) error {
	data, err := readCounted(pr, 8)
	if err != nil {
		return err
	}
	pr.Append(string(data))
	return nil
}

func load_binbytes(pr *PickleReader) error {
	data, err := readCounted(pr, 4)
	if err != nil {
		return err
	}
	pr.Append(data)
	return nil
}

func load_short_binbytes(pr *PickleReader) error {
	data, err := readCounted(pr, 1)
	if err != nil {
		return err
	}
	pr.Append(data)
	return nil
}

func load_empty_tuple(pr *PickleReader) error {
	pr.Append(make(PickleTuple, 0))
	return nil
}

func load_tuple(pr *PickleReader) error {
	items, err := pr.popMark()
	if err != nil {
		return err
	}
	pr.Append(PickleTuple(items))
	return nil
}

func loadTupleN(pr *PickleReader, n int) error {
	if len(pr.stack) < n {
		return fmt.Errorf("unpickling stack underflow while building %d-tuple", n)
	}
	tuple := make(PickleTuple, n)
	copy(tuple, pr.stack[len(pr.stack)-n:])
	pr.stack = pr.stack[:len(pr.stack)-n]
	pr.Append(tuple)
	return nil
}

func load_tuple1(pr *PickleReader) error {
	return loadTupleN(pr, 1)
}

func load_tuple2(pr *PickleReader) error {
	return loadTupleN(pr, 2)
}

func load_tuple3(pr *PickleReader) error {
	return loadTupleN(pr, 3)
}

func load_empty_list(pr *PickleReader) error {
	pr.Append(&PickleList{Items: make([]interface{}, 0)})
	return nil
}

func load_list(pr *PickleReader) error {
	items, err := pr.popMark()
	if err != nil {
		return err
	}
	pr.Append(&PickleList{Items: items})
	return nil
}

func topList(pr *PickleReader) (*PickleList, error) {
	item, err := pr.top()
	if err != nil {
		return nil, err
	}
	list, ok := item.(*PickleList)
	if !ok {
		return nil, fmt.Errorf("expected a list on the stack, got %T", item)
	}
	return list, nil
}

func load_append(pr *PickleReader) error {
	value, err := pr.pop()
	if err != nil {
		return err
	}
	list, err := topList(pr)
	if err != nil {
		return err
	}
	list.Items = append(list.Items, value)
	return nil
}

func load_appends(pr *PickleReader) error {
	items, err := pr.popMark()
	if err != nil {
		return err
	}
	list, err := topList(pr)
	if err != nil {
		return err
	}
	list.Items = append(list.Items, items...)
	return nil
}

func load_empty_dictionary(pr *PickleReader) error {
	pr.Append(NewPickleDict[interface{}]())
	return nil
}

func dictKey(key interface{}) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", key)
}

func setItems(dict *PickleDict[interface{}], items []interface{}) error {
	if len(items)%2 != 0 {
		return fmt.Errorf("odd number of items for dictionary: %d", len(items))
	}
	for i := 0; i < len(items); i += 2 {
		dict.Set(dictKey(items[i]), items[i+1])
	}
	return nil
}

func load_dict(pr *PickleReader) error {
	items, err := pr.popMark()
	if err != nil {
		return err
	}
	dict := NewPickleDict[interface{}]()
	if err := setItems(dict, items); err != nil {
		return err
	}
	pr.Append(dict)
	return nil
}

func topDict(pr *PickleReader) (*PickleDict[interface{}], error) {
	item, err := pr.top()
	if err != nil {
		return nil, err
	}
	dict, ok := item.(*PickleDict[interface{}])
	if !ok {
		return nil, fmt.Errorf("expected a dictionary on the stack, got %T", item)
	}
	return dict, nil
}

func load_setitem(pr *PickleReader) error {
	value, err := pr.pop()
	if err != nil {
		return err
	}
	key, err := pr.pop()
	if err != nil {
		return err
	}
	dict, err := topDict(pr)
	if err != nil {
		return err
	}
	dict.Set(dictKey(key), value)
	return nil
}

func load_setitems(pr *PickleReader) error {
	items, err := pr.popMark()
	if err != nil {
		return err
	}
	dict, err := topDict(pr)
	if err != nil {
		return err
	}
	return setItems(dict, items)
}

func load_global(pr *PickleReader) error {
	module, err := pr.ReadLine()
	if err != nil {
		return err
	}
	name, err := pr.ReadLine()
	if err != nil {
		return err
	}
	klass, err := pr.findClass(module, name)
	if err != nil {
		return err
	}
	pr.Append(klass)
	return nil
}

func load_stack_global(pr *PickleReader) error {
	nameVal, err := pr.pop()
	if err != nil {
		return err
	}
	moduleVal, err := pr.pop()
	if err != nil {
		return err
	}
	name, ok1 := nameVal.(string)
	module, ok2 := moduleVal.(string)
	if !ok1 || !ok2 {
		return fmt.Errorf("STACK_GLOBAL requires str module and name, got %T and %T", moduleVal, nameVal)
	}
	klass, err := pr.findClass(module, name)
	if err != nil {
		return err
	}
	pr.Append(klass)
	return nil
}

func load_reduce(pr *PickleReader) error {
	rawArgs, err := pr.pop()
	if err != nil {
		return err
	}
	args, ok := rawArgs.(PickleTuple)
	if !ok {
		return fmt.Errorf("REDUCE arguments must be a tuple, got %T", rawArgs)
	}
	fn, err := pr.pop()
	if err != nil {
		return err
	}
	callable, ok := fn.(Callable)
	if !ok {
		return fmt.Errorf("REDUCE target %T is not callable", fn)
	}
	result, err := callable.Call(args...)
	if err != nil {
		return err
	}
	pr.Append(result)
	return nil
}

func load_build(pr *PickleReader) error {
	state, err := pr.pop()
	if err != nil {
		return err
	}
	inst, err := pr.top()
	if err != nil {
		return err
	}
	if buildable, ok := inst.(Buildable); ok {
		return buildable.SetState(state)
	}
	return fmt.Errorf("BUILD is not supported for %T", inst)
}

func load_binpersid(pr *PickleReader) error {
	pidVal, err := pr.pop()
	if err != nil {
		return err
	}
	pid, ok := pidVal.(PickleTuple)
	if !ok {
		return fmt.Errorf("persistent id must be a tuple, got %T", pidVal)
	}
	result, err := pr.persistentLoad(pid)
	if err != nil {
		return err
	}
	pr.Append(result)
	return nil
}

func memoPut(pr *PickleReader, index int) error {
	item, err := pr.top()
	if err != nil {
		return err
	}
	pr.memo[index] = item
	return nil
}

func load_binput(pr *PickleReader) error {
	i, err := pr.ReadByte()
	if err != nil {
		return err
	}
	return memoPut(pr, int(i))
}

func load_long_binput(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	return memoPut(pr, int(binary.LittleEndian.Uint32(buf))) // Python equivalent: unpack('<I')
}

func load_memoize(pr *PickleReader) error {
	return memoPut(pr, len(pr.memo))
}

func memoGet(pr *PickleReader, index int) error {
	item, ok := pr.memo[index]
	if !ok {
		return fmt.Errorf("memo value not found at index %d", index)
	}
	pr.Append(item)
	return nil
}

func load_binget(pr *PickleReader) error {
	i, err := pr.ReadByte()
	if err != nil {
		return err
	}
	return memoGet(pr, int(i))
}

func load_long_binget(pr *PickleReader) error {
	buf, err := pr.Read(4)
	if err != nil {
		return err
	}
	return memoGet(pr, int(binary.LittleEndian.Uint32(buf)))
}
