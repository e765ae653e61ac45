package dataset

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

func rows(n, width int, offset float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, width)
		for j := range out[i] {
			out[i][j] = offset + float32(i)
		}
	}
	return out
}

func TestOnHeapAccessors(t *testing.T) {
	ds, err := NewOnHeap(rows(4, 3, 0), rows(4, 1, 100))
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, 3, ds.FeatureSize())
	assert.Equal(t, 1, ds.LabelWidth())
	assert.Equal(t, []float32{2, 2, 2}, ds.X(2))
	assert.Equal(t, []float32{103}, ds.Y(3))
	assert.Contains(t, ds.String(), "samples=4")
}

func TestOnHeapValidation(t *testing.T) {
	_, err := NewOnHeap(rows(2, 3, 0), rows(3, 1, 0))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))

	ragged := rows(3, 3, 0)
	ragged[1] = ragged[1][:2]
	_, err = NewOnHeap(ragged, rows(3, 1, 0))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))

	_, err = FromFlat(make([]float32, 7), 3, make([]float32, 2), 1)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}

func TestSplitAndShuffle(t *testing.T) {
	ds, err := NewOnHeap(rows(10, 2, 0), rows(10, 1, 0))
	require.NoError(t, err)

	train, test, err := ds.Split(0.7)
	require.NoError(t, err)
	assert.Equal(t, 7, train.Len())
	assert.Equal(t, 3, test.Len())
	assert.Equal(t, []float32{7, 7}, test.X(0))

	_, _, err = ds.Split(1)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidConfiguration))

	a, _ := NewOnHeap(rows(10, 2, 0), rows(10, 1, 0))
	b, _ := NewOnHeap(rows(10, 2, 0), rows(10, 1, 0))
	a.Shuffle(42)
	b.Shuffle(42)
	seen := map[float32]bool{}
	for i := 0; i < a.Len(); i++ {
		assert.Equal(t, a.X(i), b.X(i))
		// features and labels move together
		assert.Equal(t, a.X(i)[0], a.Y(i)[0])
		seen[a.Y(i)[0]] = true
	}
	assert.Len(t, seen, 10)
}

func TestSubsetAndClassCounts(t *testing.T) {
	ds, err := FromFlat([]float32{1, 2, 3, 4}, 1, []float32{0, 1, 1, 2}, 1)
	require.NoError(t, err)
	sub, err := ds.Subset([]int{3, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, sub.X(0))
	assert.Equal(t, []float32{0}, sub.Y(1))

	_, err = ds.Subset([]int{4})
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))

	counts, err := ds.ClassCounts()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 1, 1: 2, 2: 1}, counts)
}

const titanicCSV = "\ufeffpclass;survived;name;sex;age;sibsp;parch;fare;embarked\n" +
	"1;1;Allen;female;29;0;0;211,3375;S\n" +
	"3;0;Braund;male;22;1;0;7,25;S\n" +
	"2;1;Cumings;female;;1;;71,2833;C\n" +
	"3;0;Dawson;male;20;0;0;;Q\n" +
	"3;1;Heikkinen;;26;0;0;7,925;\n"

func TestTitanicPreprocessing(t *testing.T) {
	ds, err := Titanic(strings.NewReader(titanicCSV))
	require.NoError(t, err)
	require.Equal(t, 5, ds.Len())
	require.Equal(t, len(TitanicFeatures), ds.FeatureSize())

	// first row: pclass 1 seen first -> pclass_1, female -> sex_1, S -> embarked_1
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 29, 211.3375, 1, 0, 1, 0, 0}, ds.X(0))
	assert.Equal(t, []float32{1}, ds.Y(0))

	// Cumings: age imputed with the mean of 29, 22, 20, 26 and parch with 0
	x := ds.X(2)
	assert.InDelta(t, 24.25, x[5], 1e-5)
	assert.Equal(t, float32(0), x[4])
	// Dawson: fare imputed
	assert.InDelta(t, (211.3375+7.25+71.2833+7.925)/4, ds.X(3)[6], 1e-3)
	// Heikkinen: sex filled with female, embarked with S
	assert.Equal(t, []float32{1, 0, 1, 0, 0}, ds.X(4)[7:])
}

func TestTableOperations(t *testing.T) {
	table, err := ReadCSV(strings.NewReader("a,b\n1,x\n,y\n3,x\n"), ',')
	require.NoError(t, err)

	mean, err := table.ImputeMean("a")
	require.NoError(t, err)
	assert.Equal(t, 2.0, mean)

	distinct, err := table.OneHot("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, distinct)
	assert.Equal(t, []string{"a", "b_1", "b_2"}, table.Columns)
	assert.Equal(t, []string{"2", "0", "1"}, table.Rows[1])

	_, err = table.Select("a", "missing")
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeNotFound))

	require.NoError(t, table.Rename("a", "label"))
	ds, err := table.ToOnHeap("label")
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, ds.Y(1))
	assert.Equal(t, []float32{0, 1}, ds.X(1))
}

func TestParseNumber(t *testing.T) {
	v, err := ParseNumber("7,25")
	require.NoError(t, err)
	assert.Equal(t, 7.25, v)
	v, err = ParseNumber("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	_, err = ParseNumber("abc")
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))
}

func idxBytes(dims []uint32, data []byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, idxUnsignedByte, byte(len(dims))})
	for _, d := range dims {
		_ = binary.Write(&buf, binary.BigEndian, d)
	}
	buf.Write(data)
	return buf.Bytes()
}

func TestIDXReadPlainAndGzip(t *testing.T) {
	pixels := []byte{0, 255, 51, 102, 0, 0, 0, 0}
	raw := idxBytes([]uint32{2, 2, 2}, pixels)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	for name, data := range map[string][]byte{"plain": raw, "gzip": gz.Bytes()} {
		t.Run(name, func(t *testing.T) {
			idx, err := ReadIDX(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, []int{2, 2, 2}, idx.Dims)
			assert.Equal(t, pixels, idx.Data)
		})
	}

	images, err := ReadIDX(bytes.NewReader(raw))
	require.NoError(t, err)
	labels, err := ReadIDX(bytes.NewReader(idxBytes([]uint32{2}, []byte{7, 3})))
	require.NoError(t, err)

	ds, shape, err := FromIDX(images, labels)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, shape)
	assert.Equal(t, []float32{0, 1, 0.2, 0.4}, ds.X(0))
	assert.Equal(t, []float32{3}, ds.Y(1))
}

func TestIDXErrors(t *testing.T) {
	_, err := ReadIDX(bytes.NewReader([]byte{1, 2, 3, 4}))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))

	_, err = ReadIDX(bytes.NewReader([]byte{0, 0, 0x0d, 1, 0, 0, 0, 1}))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeUnsupported))

	_, err = ReadIDX(bytes.NewReader(idxBytes([]uint32{4}, []byte{1, 2})))
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeInvalidInput))

	images := &IDX{Dims: []int{2, 1, 1}, Data: []byte{1, 2}}
	labels := &IDX{Dims: []int{3}, Data: []byte{0, 1, 2}}
	_, _, err = FromIDX(images, labels)
	assert.True(t, nerrors.Is(err, nerrors.ErrCodeShapeMismatch))
}

func TestSyntheticGenerators(t *testing.T) {
	sine, err := Sine(200, 1)
	require.NoError(t, err)
	for i := 0; i < sine.Len(); i++ {
		x, y := sine.X(i)[0], sine.Y(i)[0]
		assert.GreaterOrEqual(t, x, float32(0))
		assert.Less(t, x, float32(2*math.Pi))
		assert.InDelta(t, math.Sin(float64(x)), y, 1e-6)
	}

	lin, err := Linear(100, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, lin.FeatureSize())
	x := lin.X(5)
	want := LinearIntercept
	for j, c := range LinearCoefficients {
		want += c * float64(x[j])
	}
	assert.InDelta(t, want, lin.Y(5)[0], 1e-5)

	again, _ := Linear(100, 0, 3)
	assert.Equal(t, lin.X(99), again.X(99))
}
