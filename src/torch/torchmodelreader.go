package torch

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/adalkiran/llama-serve/src/ml"
	"github.com/adalkiran/llama-serve/src/pickle"
	"github.com/bmatcuk/doublestar/v4"
)

// TorchModelReader reads the state dict of a checkpoint saved by torch.save. Tensors returned by Load
// point into the memory mapped file, so they are valid until Close is called.
type TorchModelReader struct {
	modelFilePath string
	memoryMapper  *common.MemoryMapper
	zipReader     *zip.Reader
	dataBasePath  string
	storages      map[string]*StorageDescriptor
}

func NewTorchModelReader(modelFilePath string) (*TorchModelReader, error) {
	memoryMapper, err := common.NewMemoryMapper(modelFilePath)
	if err != nil {
		return nil, err
	}
	zipReader, err := zip.NewReader(bytes.NewReader(memoryMapper.Data), memoryMapper.Size)
	if err != nil {
		memoryMapper.Unmap()
		return nil, fmt.Errorf("\"%s\" is not a Torch zip checkpoint: %w", modelFilePath, err)
	}
	return &TorchModelReader{
		modelFilePath: modelFilePath,
		memoryMapper:  memoryMapper,
		zipReader:     zipReader,
		storages:      make(map[string]*StorageDescriptor),
	}, nil
}

func (tmr *TorchModelReader) Close() error {
	return tmr.memoryMapper.Unmap()
}

func (tmr *TorchModelReader) Load() (*pickle.PickleDict[*ml.Tensor], error) {
	pklFileList, err := tmr.findFilesInZip("*/data.pkl")
	if err != nil {
		return nil, err
	}
	if len(pklFileList) != 1 {
		return nil, fmt.Errorf("expected one data.pkl file in Torch model file \"%s\", found %d", tmr.modelFilePath, len(pklFileList))
	}
	rawDict, err := tmr.readPickleFile(pklFileList[0])
	if err != nil {
		return nil, err
	}

	result := pickle.NewPickleDict[*ml.Tensor]()
	for _, key := range rawDict.GetKeys() {
		value, _ := rawDict.Get(key)
		tensor, ok := value.(*ml.Tensor)
		if !ok {
			return nil, fmt.Errorf("state dict item \"%s\" is %T, not a tensor", key, value)
		}
		tensor.Name = key
		result.Set(key, tensor)
	}
	return result, nil
}

func (tmr *TorchModelReader) findFilesInZip(pattern string) ([]*zip.File, error) {
	result := make([]*zip.File, 0)
	for _, file := range tmr.zipReader.File {
		matched, err := doublestar.Match(pattern, file.Name)
		if err != nil {
			return nil, err
		}
		if matched {
			result = append(result, file)
		}
	}
	return result, nil
}

func (tmr *TorchModelReader) readPickleFile(inputPickleFile *zip.File) (*pickle.PickleDict[interface{}], error) {
	fileReader, err := inputPickleFile.Open()
	if err != nil {
		return nil, err
	}
	defer fileReader.Close()
	tmr.dataBasePath = strings.TrimSuffix(inputPickleFile.Name, ".pkl")
	pickleReader := pickle.NewPickleReader(fileReader)
	pickleReader.FindClassFn = findClassTorch
	pickleReader.PersistentLoadFn = tmr.persistentLoad
	return pickleReader.LoadDict()
}

func findClassTorch(module string, name string) (interface{}, error) {
	result, ok := TORCH_CLASSES[module+"."+name]
	if !ok {
		return nil, fmt.Errorf("unknown class \"%s.%s\" not found", module, name)
	}
	return result, nil
}

// persistentLoad resolves ('storage', storage_type, key, location, numel).
func (tmr *TorchModelReader) persistentLoad(pid []interface{}) (interface{}, error) {
	if len(pid) < 3 || pid[0] != "storage" {
		return nil, fmt.Errorf("unsupported persistent id %v", pid)
	}
	kind, ok := pid[1].(StorageKind)
	if !ok {
		return nil, fmt.Errorf("pid[1] must be type of StorageKind, got %T", pid[1])
	}
	key, ok := pid[2].(string)
	if !ok {
		return nil, fmt.Errorf("pid[2] must be a string, got %T", pid[2])
	}
	if storage, ok := tmr.storages[key]; ok {
		return storage, nil
	}

	filename := path.Join(tmr.dataBasePath, key)
	data, err := tmr.storageBytes(filename)
	if err != nil {
		return nil, err
	}
	if len(data)%kind.dataType.ItemSize != 0 {
		return nil, fmt.Errorf("storage \"%s\" has %d bytes, not a multiple of %s item size", filename, len(data), kind.dataType)
	}
	storage := &StorageDescriptor{filename: filename, kind: kind, data: data}
	tmr.storages[key] = storage
	return storage, nil
}

// storageBytes returns a slice of the mapped file for stored records, compressed ones are read into memory.
func (tmr *TorchModelReader) storageBytes(filename string) ([]byte, error) {
	var file *zip.File
	for _, f := range tmr.zipReader.File {
		if f.Name == filename {
			file = f
			break
		}
	}
	if file == nil {
		return nil, fmt.Errorf("storage \"%s\" not found in \"%s\"", filename, tmr.modelFilePath)
	}
	if file.Method == zip.Store {
		offset, err := file.DataOffset()
		if err != nil {
			return nil, err
		}
		end := offset + int64(file.UncompressedSize64)
		if end > int64(len(tmr.memoryMapper.Data)) {
			return nil, fmt.Errorf("storage \"%s\" exceeds the file size", filename)
		}
		return tmr.memoryMapper.Data[offset:end], nil
	}
	reader, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
