package npz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	npyz "github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-midline/tensor"
)

func TestArchiveKeepsShapesAndStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model_preds.npz")

	masks := tensor.MustZeros(3, 2, 2, 2)
	for i := range masks.Data {
		masks.Data[i] = float32(i) / 4
	}
	ids := []string{"case_001", "case_002", "ü-case"}

	require.NoError(t, Save(path, map[string]*Array{
		"ids":   FromStrings(ids),
		"masks": FromTensor(masks),
	}))

	arrays, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, arrays, "ids")
	require.Contains(t, arrays, "masks")
	assert.NotContains(t, arrays, "labels")

	assert.Equal(t, ids, arrays["ids"].Strings)
	assert.Equal(t, []int{3}, arrays["ids"].Shape)

	got, err := arrays["masks"].Tensor()
	require.NoError(t, err)
	assert.Equal(t, masks.Shape, got.Shape)
	assert.Equal(t, masks.Data, got.Data)
}

func TestMembersUseUnicodeDType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.npz")
	require.NoError(t, Save(path, map[string]*Array{"ids": FromStrings([]string{"case_000", "é_1"})}))

	r, err := npyz.Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"ids.npy"}, r.Keys())
	hdr := r.Header("ids.npy")
	require.NotNil(t, hdr)
	assert.Equal(t, "<U8", hdr.Descr.Type)
}

// writeRaw stores v as a single member without going through Array
func writeRaw(t *testing.T, name string, v any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.npz")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := npyz.NewWriter(f)
	require.NoError(t, w.Write(name+".npy", v))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func TestNumericConversions(t *testing.T) {
	tests := []struct {
		name  string
		value any
		shape []int
		want  []float32
	}{
		{"float64", []float64{0.5, -1}, []int{2}, []float32{0.5, -1}},
		{"int64", [1][2]int64{{3, 4}}, []int{1, 2}, []float32{3, 4}},
		{"uint8", []uint8{0, 255}, []int{2}, []float32{0, 255}},
		{"bool", []bool{true, false, true}, []int{3}, []float32{1, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arrays, err := Load(writeRaw(t, "mask", tt.value))
			require.NoError(t, err)
			require.Contains(t, arrays, "mask")
			out, err := arrays["mask"].Tensor()
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Data)
			assert.Equal(t, tt.shape, out.Shape)
		})
	}
}

func TestUnsupportedDType(t *testing.T) {
	_, err := Load(writeRaw(t, "mask", []complex64{1}))
	assert.True(t, errors.Is(err, ErrUnsupportedDType))

	_, err = FromStrings([]string{"a"}).Tensor()
	assert.True(t, errors.Is(err, ErrUnsupportedDType))
}

func TestSaveRejectsShapeMismatch(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "bad.npz"), map[string]*Array{
		"mask": {Shape: []int{2, 2}, Values: []float32{1, 2, 3}},
	})
	assert.Error(t, err)
}
