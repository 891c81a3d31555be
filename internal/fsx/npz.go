package fsx

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Array is a dense float array with an explicit shape (1-D or 2-D).
// This is the only binary payload the runtime will read or write: raw
// float arrays in the standard npz container. Object arrays and pickled
// payloads are refused outright.
type Array struct {
	Shape   []int
	Float32 []float32 // exactly one of Float32/Float64 is set
	Float64 []float64
}

func (a Array) count() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

func (a Array) validate(name string) error {
	if len(a.Shape) == 0 || len(a.Shape) > 2 {
		return fmt.Errorf("fsx: npz array %q: shape must be 1-D or 2-D", name)
	}
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("fsx: npz array %q: negative dimension", name)
		}
	}
	switch {
	case a.Float32 != nil && a.Float64 != nil:
		return fmt.Errorf("fsx: npz array %q: both float32 and float64 set", name)
	case a.Float32 != nil:
		if len(a.Float32) != a.count() {
			return fmt.Errorf("fsx: npz array %q: %d values for shape %v", name, len(a.Float32), a.Shape)
		}
	case a.Float64 != nil:
		if len(a.Float64) != a.count() {
			return fmt.Errorf("fsx: npz array %q: %d values for shape %v", name, len(a.Float64), a.Shape)
		}
	default:
		if a.count() != 0 {
			return fmt.Errorf("fsx: npz array %q: no data", name)
		}
	}
	return nil
}

// WriteNPZ atomically writes arrays as a standard npz bundle
// (zip of .npy entries, little-endian, version 1.0 headers).
func WriteNPZ(path string, arrays map[string]Array) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, arr := range arrays {
		if err := arr.validate(name); err != nil {
			return err
		}
		w, err := zw.Create(name + ".npy")
		if err != nil {
			return fmt.Errorf("fsx: npz create entry %q: %w", name, err)
		}
		if err := writeNPY(w, arr); err != nil {
			return fmt.Errorf("fsx: npz entry %q: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("fsx: npz finalize: %w", err)
	}
	return WriteFile(path, buf.Bytes())
}

// ReadNPZ reads a bundle written by WriteNPZ. Entries with any dtype other
// than raw little-endian floats are rejected; this is the fail-closed
// replacement for legacy binary deserialization.
func ReadNPZ(path string) (map[string]Array, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("fsx: npz open %s: %w", path, err)
	}
	defer zr.Close()

	out := make(map[string]Array, len(zr.File))
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, ".npy")
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("fsx: npz open entry %q: %w", f.Name, err)
		}
		arr, err := readNPY(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("fsx: npz entry %q: %w", f.Name, err)
		}
		out[name] = arr
	}
	return out, nil
}

var npyMagic = []byte("\x93NUMPY")

func writeNPY(w io.Writer, arr Array) error {
	descr := "<f4"
	if arr.Float64 != nil {
		descr = "<f8"
	}
	shape := make([]string, len(arr.Shape))
	for i, d := range arr.Shape {
		shape[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(shape, ", ")
	if len(arr.Shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	// Pad so magic+version+len+header is a multiple of 64, ending in '\n'.
	prefix := len(npyMagic) + 2 + 2
	pad := 64 - (prefix+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil { // version 1.0
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil { //nolint:gosec // header length is bounded
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if arr.Float64 != nil {
		return binary.Write(w, binary.LittleEndian, arr.Float64)
	}
	return binary.Write(w, binary.LittleEndian, arr.Float32)
}

var npyHeaderRe = regexp.MustCompile(`'descr':\s*'([^']+)',\s*'fortran_order':\s*(False|True),\s*'shape':\s*\(([^)]*)\)`)

func readNPY(r io.Reader) (Array, error) {
	head := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return Array{}, fmt.Errorf("read magic: %w", err)
	}
	if !bytes.Equal(head[:len(npyMagic)], npyMagic) {
		return Array{}, fmt.Errorf("bad npy magic")
	}
	major := head[len(npyMagic)]
	if major != 1 {
		return Array{}, fmt.Errorf("unsupported npy version %d", major)
	}
	var hlen uint16
	if err := binary.Read(r, binary.LittleEndian, &hlen); err != nil {
		return Array{}, fmt.Errorf("read header length: %w", err)
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Array{}, fmt.Errorf("read header: %w", err)
	}
	m := npyHeaderRe.FindSubmatch(hdr)
	if m == nil {
		return Array{}, fmt.Errorf("unparseable npy header")
	}
	descr, fortran, shapeStr := string(m[1]), string(m[2]), string(m[3])
	if fortran != "False" {
		return Array{}, fmt.Errorf("fortran-order arrays not supported")
	}
	if descr != "<f4" && descr != "<f8" {
		return Array{}, fmt.Errorf("refusing dtype %q (only raw little-endian floats accepted)", descr)
	}

	var shape []int
	for _, part := range strings.Split(shapeStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return Array{}, fmt.Errorf("bad shape %q", shapeStr)
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 || len(shape) > 2 {
		return Array{}, fmt.Errorf("shape %v not 1-D or 2-D", shape)
	}

	count := 1
	for _, d := range shape {
		if d < 0 || (count > 0 && d > math.MaxInt32/max(count, 1)) {
			return Array{}, fmt.Errorf("shape %v too large", shape)
		}
		count *= d
	}

	arr := Array{Shape: shape}
	if descr == "<f8" {
		arr.Float64 = make([]float64, count)
		if err := binary.Read(r, binary.LittleEndian, arr.Float64); err != nil {
			return Array{}, fmt.Errorf("read f8 data: %w", err)
		}
	} else {
		arr.Float32 = make([]float32, count)
		if err := binary.Read(r, binary.LittleEndian, arr.Float32); err != nil {
			return Array{}, fmt.Errorf("read f4 data: %w", err)
		}
	}
	return arr, nil
}
