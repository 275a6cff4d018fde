// Package dataset reads training images from a directory tree.
//
// Images directly below a class directory take that directory's label:
//
//	root/
//	  no_makeup/0001.png
//	  no_makeup/0001.txt   optional caption
//	  makeup/0002.jpg
//
// Classes are numbered in sorted name order.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/exp/rand"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/makeup/ml"
	"github.com/ollama/makeup/model/imageproc"
)

var ErrEmpty = errors.New("dataset has no images")

// Batch is one step's worth of training data.
type Batch struct {
	// Image has shape (B, C, S, S) with values in [-1, 1].
	Image *ml.Tensor
	// Label is a (B, L) one-hot tensor, or nil when unconditioned.
	Label *ml.Tensor
	Text  []string
}

// Source yields batches until the end of an epoch, where Next returns
// io.EOF. Reset starts the next epoch.
type Source interface {
	Next(ctx context.Context) (*Batch, error)
	Reset() error
}

var extensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp"}

// Item is one image on disk.
type Item struct {
	Path string
	// Label is the class index or -1 for images outside a class directory.
	Label int
	Text  string
}

// Scan lists the images below root and the class names found. Captions are
// read from a .txt file next to each image.
func Scan(root string) ([]Item, []string, error) {
	var items []Item
	classes := map[string]int{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !slices.Contains(extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		item := Item{Path: path, Label: -1}
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			classes[parts[0]] = 0
			// resolved once every class is known
			item.Label = 0
		}

		caption, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".txt")
		if err == nil {
			item.Text = strings.TrimSpace(string(caption))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	slices.Sort(names)
	for i, name := range names {
		classes[name] = i
	}

	for i, item := range items {
		if item.Label < 0 {
			continue
		}
		rel, _ := filepath.Rel(root, item.Path)
		items[i].Label = classes[strings.Split(filepath.ToSlash(rel), "/")[0]]
	}

	slices.SortFunc(items, func(a, b Item) int { return strings.Compare(a.Path, b.Path) })
	return items, names, nil
}

type Options struct {
	Root      string
	ImageSize int
	// Channels is 3 for RGB or 1 for grayscale.
	Channels  int
	LabelDim  int
	BatchSize int
	Shuffle   bool
	HFlip     bool
	Seed      uint64
	// Rank and WorldSize select this worker's shard.
	Rank      int
	WorldSize int
	// Workers bounds concurrent image decoding.
	Workers int
}

// Folder is a Source over an image directory. It is not safe for
// concurrent use.
type Folder struct {
	opts    Options
	items   []Item
	classes []string

	epoch uint64
	order []int
	pos   int
	rng   *rand.Rand
}

func NewFolder(opts Options) (*Folder, error) {
	if opts.WorldSize < 1 {
		opts.WorldSize = 1
	}

	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("rank %d outside world of %d", opts.Rank, opts.WorldSize)
	}

	if opts.BatchSize < 1 || opts.ImageSize < 1 {
		return nil, fmt.Errorf("batch size and image size must be positive, got %d and %d", opts.BatchSize, opts.ImageSize)
	}

	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", opts.Channels)
	}

	opts.Workers = max(opts.Workers, 1)

	items, classes, err := Scan(opts.Root)
	if err != nil {
		return nil, err
	}

	if len(items) < opts.WorldSize {
		return nil, fmt.Errorf("%w: %s has %d images for %d workers", ErrEmpty, opts.Root, len(items), opts.WorldSize)
	}

	if opts.LabelDim > 0 {
		if len(classes) > opts.LabelDim {
			return nil, fmt.Errorf("%s has %d classes but the label dimension is %d", opts.Root, len(classes), opts.LabelDim)
		}

		for _, item := range items {
			if item.Label < 0 {
				return nil, fmt.Errorf("%s is not in a class directory", item.Path)
			}
		}
	}

	slog.Debug("dataset scanned", "root", opts.Root, "images", len(items), "classes", classes)

	f := &Folder{
		opts:    opts,
		items:   items,
		classes: classes,
		rng:     rand.New(rand.NewSource(opts.Seed ^ uint64(opts.Rank+1)*0x9e3779b97f4a7c15)),
	}
	f.shuffle()
	return f, nil
}

// Classes returns the class names indexed by label.
func (f *Folder) Classes() []string {
	return f.classes
}

// Len returns the number of images in this worker's shard.
func (f *Folder) Len() int {
	return len(f.order)
}

// shuffle builds this epoch's order. Every rank permutes with the same
// seed and then takes its stride so shards stay disjoint.
func (f *Folder) shuffle() {
	all := make([]int, len(f.items))
	for i := range all {
		all[i] = i
	}

	if f.opts.Shuffle {
		rng := rand.New(rand.NewSource(f.opts.Seed + f.epoch))
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	}

	f.order = f.order[:0]
	for i := f.opts.Rank; i < len(all); i += f.opts.WorldSize {
		f.order = append(f.order, all[i])
	}
	f.pos = 0
}

func (f *Folder) Reset() error {
	f.epoch++
	f.shuffle()
	slog.Debug("dataset epoch", "epoch", f.epoch, "rank", f.opts.Rank)
	return nil
}

// Next decodes the next batch. The last batch of an epoch may be short.
func (f *Folder) Next(ctx context.Context) (*Batch, error) {
	if f.pos >= len(f.order) {
		return nil, io.EOF
	}

	idx := f.order[f.pos:min(f.pos+f.opts.BatchSize, len(f.order))]
	f.pos += len(idx)

	flips := make([]bool, len(idx))
	if f.opts.HFlip {
		for i := range flips {
			flips[i] = f.rng.Float64() < 0.5
		}
	}

	size, channels := f.opts.ImageSize, f.opts.Channels
	images := ml.Zeros(len(idx), channels, size, size)
	texts := make([]string, len(idx))

	var labels *ml.Tensor
	if f.opts.LabelDim > 0 {
		labels = ml.Zeros(len(idx), f.opts.LabelDim)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Workers)
	for i, n := range idx {
		item := f.items[n]
		texts[i] = item.Text
		if labels != nil {
			labels.Item(i)[item.Label] = 1
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			img, err := load(item.Path)
			if err != nil {
				return err
			}

			copy(images.Item(i), transform(img, size, channels, flips[i]))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Batch{Image: images, Label: labels, Text: texts}, nil
}

func load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// transform composites img on white, resizes its shorter side to size,
// crops the center square, optionally mirrors it and normalizes to [-1, 1].
func transform(img image.Image, size, channels int, flip bool) []float64 {
	img = imageproc.Composite(img)
	img = imageproc.ResizeShorter(img, size, imageproc.ResizeBilinear)
	img = imageproc.CenterCrop(img, size)
	if flip {
		img = imageproc.HorizontalFlip(img)
	}
	return imageproc.Normalize(img, imageproc.StandardMean, imageproc.StandardSTD, channels)
}
