package dataset

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, c color.Color, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// testTree writes five images: three "makeup" and two "no_makeup".
func testTree(t *testing.T) string {
	root := t.TempDir()
	for i, name := range []string{"a", "b", "c"} {
		writePNG(t, filepath.Join(root, "makeup", name+".png"), color.RGBA{255, uint8(i), 0, 255}, 8, 6)
	}
	writePNG(t, filepath.Join(root, "no_makeup", "d.png"), color.White, 6, 8)
	writePNG(t, filepath.Join(root, "no_makeup", "e.png"), color.Black, 4, 4)
	require.NoError(t, os.WriteFile(filepath.Join(root, "no_makeup", "d.txt"), []byte(" bare face \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("ignored"), 0o644))
	return root
}

func TestScan(t *testing.T) {
	root := testTree(t)

	items, classes, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"makeup", "no_makeup"}, classes)
	require.Len(t, items, 5)

	var labels []int
	for _, item := range items {
		labels = append(labels, item.Label)
	}
	assert.Equal(t, []int{0, 0, 0, 1, 1}, labels)
	assert.Equal(t, "bare face", items[3].Text)
	assert.Equal(t, "", items[4].Text)
}

func TestFolderEpoch(t *testing.T) {
	root := testTree(t)

	f, err := NewFolder(Options{Root: root, ImageSize: 4, Channels: 3, LabelDim: 2, BatchSize: 2, Shuffle: true, HFlip: true, Seed: 1, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, f.Len())

	ctx := context.Background()
	var sizes []int
	for {
		b, err := f.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		n := b.Image.Batch()
		sizes = append(sizes, n)
		assert.Equal(t, []int{n, 3, 4, 4}, b.Image.Shape)
		assert.Equal(t, []int{n, 2}, b.Label.Shape)
		assert.Len(t, b.Text, n)

		for _, v := range b.Image.Data {
			assert.True(t, v >= -1 && v <= 1, "pixel %v outside [-1, 1]", v)
		}

		for i := range n {
			assert.ElementsMatch(t, []float64{0, 1}, b.Label.Item(i))
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	_, err = f.Next(ctx)
	assert.Equal(t, io.EOF, err, "exhausted until reset")

	require.NoError(t, f.Reset())
	b, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Image.Batch())
}

func TestFolderShards(t *testing.T) {
	root := testTree(t)

	var all []int
	for rank := range 2 {
		f, err := NewFolder(Options{Root: root, ImageSize: 2, Channels: 1, BatchSize: 1, Shuffle: true, Seed: 9, Rank: rank, WorldSize: 2})
		require.NoError(t, err)
		all = append(all, f.order...)
	}

	slices.Sort(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, all, "shards are disjoint and cover the dataset")
}

func TestFolderShuffleChangesPerEpoch(t *testing.T) {
	root := t.TempDir()
	for i := range 16 {
		writePNG(t, filepath.Join(root, string(rune('a'+i))+".png"), color.Gray{uint8(i)}, 2, 2)
	}

	f, err := NewFolder(Options{Root: root, ImageSize: 2, Channels: 1, BatchSize: 4, Shuffle: true, Seed: 3})
	require.NoError(t, err)

	first := slices.Clone(f.order)
	require.NoError(t, f.Reset())
	assert.NotEqual(t, first, f.order)
	assert.ElementsMatch(t, first, f.order)

	g, err := NewFolder(Options{Root: root, ImageSize: 2, Channels: 1, BatchSize: 4, Shuffle: false})
	require.NoError(t, err)
	assert.True(t, slices.IsSorted(g.order))
}

func TestFolderGrayscale(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "white.png"), color.White, 3, 3)

	f, err := NewFolder(Options{Root: root, ImageSize: 2, Channels: 1, BatchSize: 4})
	require.NoError(t, err)

	b, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b.Label)
	assert.Equal(t, []int{1, 1, 2, 2}, b.Image.Shape)
	assert.Equal(t, []float64{1, 1, 1, 1}, b.Image.Data)
}

func TestNewFolderErrors(t *testing.T) {
	root := testTree(t)
	writePNG(t, filepath.Join(root, "loose.png"), color.White, 2, 2)

	base := Options{Root: root, ImageSize: 2, Channels: 3, BatchSize: 1}

	cases := map[string]func(o *Options){
		"missing root":      func(o *Options) { o.Root = filepath.Join(root, "nope") },
		"too many classes":  func(o *Options) { o.LabelDim = 1 },
		"unlabelled image":  func(o *Options) { o.LabelDim = 2 },
		"bad rank":          func(o *Options) { o.Rank, o.WorldSize = 2, 2 },
		"bad channels":      func(o *Options) { o.Channels = 2 },
		"zero batch":        func(o *Options) { o.BatchSize = 0 },
		"more workers than": func(o *Options) { o.WorldSize = 7 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			_, err := NewFolder(opts)
			assert.Error(t, err)
		})
	}
}

func TestNextCorruptImage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.png"), []byte("not a png"), 0o644))

	f, err := NewFolder(Options{Root: root, ImageSize: 2, Channels: 3, BatchSize: 1})
	require.NoError(t, err)

	_, err = f.Next(context.Background())
	assert.ErrorContains(t, err, "broken.png")
}
