// Package npz stores tensors and string ids in NumPy .npz archives. The
// encoding itself is done by github.com/sbinet/npyio; this package only maps
// archive members to tensors.
package npz

import (
	"encoding/binary"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npy"
	npyz "github.com/sbinet/npyio/npz"

	"github.com/tsawler/go-midline/tensor"
)

// ErrUnsupportedDType is returned for members this package cannot convert
var ErrUnsupportedDType = errors.New("unsupported npy dtype")

const memberSuffix = ".npy"

// Array is one archive member: either numeric values, read as float32, or
// a 1-D unicode array.
type Array struct {
	Shape   []int
	Values  []float32
	Strings []string
}

// FromTensor wraps a float32 tensor without copying
func FromTensor(t *tensor.Tensor) *Array {
	return &Array{Shape: t.Size(), Values: t.Data}
}

// FromStrings builds a 1-D unicode array
func FromStrings(values []string) *Array {
	if values == nil {
		values = []string{}
	}
	return &Array{Shape: []int{len(values)}, Strings: values}
}

// Tensor converts a numeric member to a tensor
func (a *Array) Tensor() (*tensor.Tensor, error) {
	if a.Strings != nil {
		return nil, errors.Wrap(ErrUnsupportedDType, "unicode array is not numeric")
	}
	shape := a.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.New(shape, a.Values)
}

// value returns what npyio should encode. Numeric data is passed as a nested
// Go array so the member keeps its shape.
func (a *Array) value() (any, error) {
	if a.Strings != nil {
		return a.Strings, nil
	}
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	if n != len(a.Values) {
		return nil, errors.Errorf("%d values do not fill shape %v", len(a.Values), a.Shape)
	}
	if len(a.Shape) == 0 {
		return a.Values, nil
	}

	typ := reflect.TypeOf(float32(0))
	for i := len(a.Shape) - 1; i >= 0; i-- {
		typ = reflect.ArrayOf(a.Shape[i], typ)
	}
	v := reflect.New(typ)
	if n > 0 {
		copy(unsafe.Slice((*float32)(v.UnsafePointer()), n), a.Values)
	}
	return v.Elem().Interface(), nil
}

// Save writes arrays to path, one member per key
func Save(path string, arrays map[string]*Array) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", path)
	}

	keys := make([]string, 0, len(arrays))
	for k := range arrays {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := npyz.NewWriter(f)
	for _, k := range keys {
		v, err := arrays[k].value()
		if err == nil {
			err = w.Write(k+memberSuffix, v)
		}
		if err != nil {
			w.Close()
			f.Close()
			return errors.Wrapf(err, "unable to encode %s", k)
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "unable to finalize npz")
	}
	return errors.Wrap(f.Close(), "unable to close npz")
}

// Load reads every member of the archive at path. Numeric members of any
// supported dtype are converted to float32.
func Load(path string) (map[string]*Array, error) {
	r, err := npyz.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	defer r.Close()

	arrays := make(map[string]*Array)
	for _, key := range r.Keys() {
		a, err := readMember(r, key)
		if err != nil {
			return nil, errors.Wrapf(err, "member %s of %s", key, path)
		}
		arrays[strings.TrimSuffix(key, memberSuffix)] = a
	}
	return arrays, nil
}

func readMember(r *npyz.Reader, key string) (*Array, error) {
	hdr := r.Header(key)
	if hdr == nil {
		return nil, errors.New("missing header")
	}
	if hdr.Descr.Fortran {
		return nil, errors.Wrap(ErrUnsupportedDType, "fortran order")
	}
	a := &Array{Shape: append([]int(nil), hdr.Descr.Shape...)}

	var err error
	dtype := hdr.Descr.Type
	switch {
	case strings.HasPrefix(dtype, "<U"):
		a.Strings, err = readUnicode(r, key)
		return a, err
	case dtype == "<f4":
		err = r.Read(key, &a.Values)
		return a, err
	case dtype == "<f8":
		var v []float64
		err = r.Read(key, &v)
		a.Values = convert(v)
		return a, err
	case dtype == "<i8":
		var v []int64
		err = r.Read(key, &v)
		a.Values = convert(v)
		return a, err
	case dtype == "<i4":
		var v []int32
		err = r.Read(key, &v)
		a.Values = convert(v)
		return a, err
	case dtype == "|u1":
		var v []uint8
		err = r.Read(key, &v)
		a.Values = convert(v)
		return a, err
	case dtype == "|b1":
		var v []bool
		err = r.Read(key, &v)
		a.Values = make([]float32, len(v))
		for i, b := range v {
			if b {
				a.Values[i] = 1
			}
		}
		return a, err
	default:
		return nil, errors.Wrap(ErrUnsupportedDType, dtype)
	}
}

// readUnicode decodes a <U member. npyio writes these as fixed-width UTF-32
// but only reads them back as single strings, so the payload is decoded here.
func readUnicode(r *npyz.Reader, key string) ([]string, error) {
	rc, err := r.Open(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	nr, err := npy.NewReader(rc)
	if err != nil {
		return nil, err
	}
	width, err := strconv.Atoi(strings.TrimPrefix(nr.Header.Descr.Type, "<U"))
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedDType, nr.Header.Descr.Type)
	}
	n := 1
	for _, d := range nr.Header.Descr.Shape {
		n *= d
	}

	buf := make([]byte, 4*width)
	out := make([]string, n)
	for i := range out {
		if _, err := io.ReadFull(rc, buf); err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		runes := make([]rune, 0, width)
		for j := 0; j < len(buf); j += 4 {
			c := binary.LittleEndian.Uint32(buf[j:])
			if c == 0 {
				break
			}
			runes = append(runes, rune(c))
		}
		out[i] = string(runes)
	}
	return out, nil
}

func convert[T float64 | int64 | int32 | uint8](v []T) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
