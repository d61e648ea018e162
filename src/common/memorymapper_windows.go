//go:build windows

package common

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type MemoryMapper struct {
	FilePath      string
	Size          int64
	MappingHandle windows.Handle

	Data []byte
}

// See: https://github.com/spcau/godiff/blob/master/godiff_windows.go

func NewMemoryMapper(filePath string) (*MemoryMapper, error) {
	result := &MemoryMapper{
		FilePath: filePath,
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}

	result.Size = fileInfo.Size()
	if result.Size == 0 {
		return nil, fmt.Errorf("cannot map empty file \"%s\" into memory", filePath)
	}

	// Size 0 maps the whole file, checkpoints are larger than a uint32 can describe.
	result.MappingHandle, err = windows.CreateFileMapping(windows.Handle(file.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating file mapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(result.MappingHandle, windows.FILE_MAP_READ, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(result.MappingHandle)
		return nil, fmt.Errorf("error mapping file into memory: %w", err)
	}

	result.Data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(result.Size))
	return result, nil
}

func (mm *MemoryMapper) Unmap() error {
	if mm == nil || mm.Data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&mm.Data[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("error unmapping file from memory: %w", err)
	}
	mm.Data = nil
	return windows.CloseHandle(mm.MappingHandle)
}
