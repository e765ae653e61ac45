package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

const idxUnsignedByte = 0x08

// IDX is a decoded IDX file of unsigned bytes, the format of the MNIST and
// Fashion-MNIST archives.
type IDX struct {
	Dims []int
	Data []byte
}

// ReadIDX decodes an IDX stream. Gzip-compressed input is detected from its
// magic bytes.
func ReadIDX(r io.Reader) (*IDX, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(2); err == nil && head[0] == 0x1f && head[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "bad gzip stream")
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "IDX header truncated")
	}
	if magic[0] != 0 || magic[1] != 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "not an IDX file (magic %x)", magic)
	}
	if magic[2] != idxUnsignedByte {
		return nil, nerrors.New(nerrors.ErrCodeUnsupported, "IDX element type 0x%02x is not unsigned byte", magic[2])
	}
	ndims := int(magic[3])
	if ndims == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "IDX file has no dimensions")
	}

	dims := make([]int, ndims)
	size := 1
	for i := range dims {
		var d uint32
		if err := binary.Read(br, binary.BigEndian, &d); err != nil {
			return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "IDX dimensions truncated")
		}
		dims[i] = int(d)
		size *= int(d)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "IDX data truncated, expected %d bytes", size)
	}
	return &IDX{Dims: dims, Data: data}, nil
}

// OpenIDX reads an IDX file from disk.
func OpenIDX(path string) (*IDX, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	idx, err := ReadIDX(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// FromIDX pairs an image file of shape [n, h, w] with a label file of shape
// [n]. Pixels are scaled to [0, 1]; labels are sparse class indices. The
// per-sample shape [h, w, 1] is returned alongside the dataset.
func FromIDX(images, labels *IDX) (*OnHeap, []int, error) {
	if len(images.Dims) != 3 {
		return nil, nil, nerrors.New(nerrors.ErrCodeShapeMismatch, "image IDX must be [n, h, w], got %v", images.Dims)
	}
	if len(labels.Dims) != 1 || labels.Dims[0] != images.Dims[0] {
		return nil, nil, nerrors.New(nerrors.ErrCodeShapeMismatch,
			"label IDX %v does not match %d images", labels.Dims, images.Dims[0])
	}
	x := make([]float32, len(images.Data))
	for i, b := range images.Data {
		x[i] = float32(b) / 255
	}
	y := make([]float32, len(labels.Data))
	for i, b := range labels.Data {
		y[i] = float32(b)
	}
	h, w := images.Dims[1], images.Dims[2]
	ds, err := FromFlat(x, h*w, y, 1)
	if err != nil {
		return nil, nil, err
	}
	return ds, []int{h, w, 1}, nil
}

// LoadMNIST loads an image/label IDX pair such as train-images-idx3-ubyte.gz
// and train-labels-idx1-ubyte.gz.
func LoadMNIST(imagesPath, labelsPath string) (*OnHeap, []int, error) {
	images, err := OpenIDX(imagesPath)
	if err != nil {
		return nil, nil, err
	}
	labels, err := OpenIDX(labelsPath)
	if err != nil {
		return nil, nil, err
	}
	return FromIDX(images, labels)
}
