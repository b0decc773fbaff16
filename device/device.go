// Package device resolves the compute device selector of a run.
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// ErrUnsupportedDevice is returned for selectors that name hardware this
// build cannot execute on
var ErrUnsupportedDevice = errors.New("unsupported device")

// Kind is the device family
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Device is a parsed selector such as "cpu", "cpu:8" or "cuda:0"
type Device struct {
	Kind  Kind
	Index int // worker count for cpu, ordinal for cuda; -1 when unset
}

// Parse parses a device selector. It does not check that the device is
// usable; see Resolve.
func Parse(selector string) (Device, error) {
	s := strings.ToLower(strings.TrimSpace(selector))
	if s == "" {
		s = string(CPU)
	}

	name, index, hasIndex := strings.Cut(s, ":")
	d := Device{Kind: Kind(name), Index: -1}
	switch d.Kind {
	case CPU, CUDA:
	default:
		return Device{}, errors.Wrapf(ErrUnsupportedDevice, "%q", selector)
	}

	if hasIndex {
		n, err := strconv.Atoi(index)
		if err != nil || n < 0 {
			return Device{}, errors.Errorf("invalid device index in %q", selector)
		}
		d.Index = n
	}
	return d, nil
}

// Resolve parses selector and rejects devices other than the CPU
func Resolve(selector string) (Device, error) {
	d, err := Parse(selector)
	if err != nil {
		return Device{}, err
	}
	if d.Kind != CPU {
		return Device{}, errors.Wrapf(ErrUnsupportedDevice, "%s: only cpu is available in this build", d)
	}
	return d, nil
}

func (d Device) String() string {
	if d.Index < 0 {
		return string(d.Kind)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Workers returns the number of parallel workers to use on d: the explicit
// cpu index, or the physical core count capped by GOMAXPROCS
func (d Device) Workers() int {
	if d.Kind == CPU && d.Index > 0 {
		return d.Index
	}
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if limit := runtime.GOMAXPROCS(0); n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Describe summarises the host CPU
func (d Device) Describe() string {
	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "neon"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}

	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	desc := fmt.Sprintf("%s (%s, %d cores, %d threads", d, brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if len(features) > 0 {
		desc += ", " + strings.Join(features, " ")
	}
	return desc + ")"
}

// Vectorized reports whether the host supports 512-bit float SIMD
func Vectorized() bool {
	return cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)
}
