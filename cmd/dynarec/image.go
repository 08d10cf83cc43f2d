package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fortio.org/safecast"

	"dynarec/internal/config"
	"dynarec/internal/guest"
	"dynarec/internal/isa"
)

// image is guest code ready to be mapped.
type image struct {
	base uint64
	code []byte
	// prog is set when the image was assembled from source.
	prog *isa.Program
}

// isSource reports whether path holds assembler text.
func isSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".s", ".asm":
		return true
	}
	return false
}

// loadImage reads a raw image, or assembles it when path is a source file.
func loadImage(path string, base uint64) (*image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !isSource(path) {
		if len(data)%isa.InstSize != 0 {
			return nil, fmt.Errorf("%s: size %d is not a multiple of %d", path, len(data), isa.InstSize)
		}
		return &image{base: base, code: data}, nil
	}
	prog, err := isa.Assemble(string(data), base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &image{base: base, code: prog.Code, prog: prog}, nil
}

// resolve turns an address or, for assembled images, a label into a guest
// address. An empty value is the image base.
func (img *image) resolve(value string) (uint64, error) {
	if value == "" {
		return img.base, nil
	}
	if img.prog != nil {
		if addr, ok := img.prog.Label(value); ok {
			return addr, nil
		}
	}
	addr, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address or unknown label %q", value)
	}
	return addr, nil
}

// memory maps the image into a flat guest memory of the configured size.
func (img *image) memory(cfg *config.Config) (*guest.FlatMemory, error) {
	size, err := cfg.MemoryBytes()
	if err != nil {
		return nil, fmt.Errorf("guest.memory_size: %w", err)
	}
	size = max(size, len(img.code))
	span, err := safecast.Conv[uint64](size)
	if err != nil {
		return nil, err
	}
	if img.base+span < img.base {
		return nil, fmt.Errorf("image at %#x overflows the address space", img.base)
	}
	mem := guest.NewFlatMemory(img.base, size)
	if err := mem.Load(img.base, img.code); err != nil {
		return nil, err
	}
	return mem, nil
}

// parseBase reads an address flag, falling back to the configured base.
func parseBase(value string, cfg *config.Config) (uint64, error) {
	if value == "" {
		return cfg.Guest.Base, nil
	}
	base, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid base %q: %w", value, err)
	}
	return base, nil
}

// parseMode reads a --mode flag, falling back to the configured mode.
func parseMode(value string, cfg *config.Config) (guest.ExecutionMode, error) {
	if value == "" {
		return cfg.Mode(), nil
	}
	mode, ok := guest.ParseMode(value)
	if !ok {
		return 0, fmt.Errorf("invalid mode %q (expected a32|a64)", value)
	}
	return mode, nil
}
