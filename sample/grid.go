package sample

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/pdevine/tensor"

	"github.com/ollama/makeup/ml"
)

// GridColumns is the number of images per grid row when the batch divides
// evenly; otherwise all images are laid out in a single row.
const GridColumns = 4

// GridShape returns the rows and columns used to tile n images.
func GridShape(n int) (rows, cols int) {
	if n >= GridColumns && n%GridColumns == 0 {
		return n / GridColumns, GridColumns
	}
	return 1, n
}

// toPixel maps [-1, 1] to [0, 255] as x*127.5+128, clipped and truncated.
// NaN maps to 0.
func toPixel(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Max(0, math.Min(255, v*127.5+128)))
}

// Grid tiles a (N, C, H, W) batch into a single (rows*H, cols*W) image.
// Images fill the grid row by row. C must be 1 or 3.
func Grid(x *ml.Tensor, rows, cols int) (image.Image, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("expected 4D tensor [N, C, H, W], got %v", x.Shape)
	}

	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if rows*cols != n {
		return nil, fmt.Errorf("%w: %dx%d grid for %d images", ml.ErrShapeMismatch, rows, cols, n)
	}
	if c != 1 && c != 3 {
		return nil, fmt.Errorf("expected 1 or 3 channels, got %d", c)
	}

	t := tensor.New(tensor.WithShape(rows, cols, c, h, w), tensor.WithBacking(append([]float64(nil), x.Data...)))

	// (rows, cols, C, H, W) -> (rows, H, cols, W, C)
	if err := t.T(0, 3, 1, 4, 2); err != nil {
		return nil, err
	}

	if err := t.Transpose(); err != nil {
		return nil, err
	}

	if err := t.Reshape(rows*h, cols*w, c); err != nil {
		return nil, err
	}

	data, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected backing %T", t.Data())
	}

	bounds := image.Rect(0, 0, cols*w, rows*h)
	if c == 1 {
		img := image.NewGray(bounds)
		for i, v := range data {
			img.Pix[i] = toPixel(v)
		}
		return img, nil
	}

	img := image.NewRGBA(bounds)
	for i := 0; i < len(data); i += 3 {
		j := i / 3 * 4
		img.Pix[j] = toPixel(data[i])
		img.Pix[j+1] = toPixel(data[i+1])
		img.Pix[j+2] = toPixel(data[i+2])
		img.Pix[j+3] = 255
	}
	return img, nil
}

// SaveGrid writes x as a PNG grid to path, creating parent directories.
// The file is written to a temporary name first and renamed into place.
func SaveGrid(path string, x *ml.Tensor) error {
	rows, cols := GridShape(x.Batch())
	img, err := Grid(x, rows, cols)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".sample-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
