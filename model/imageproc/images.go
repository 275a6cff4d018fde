package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// StandardMean and StandardSTD map [0, 1] pixel values onto [-1, 1].
var (
	StandardMean = [3]float64{0.5, 0.5, 0.5}
	StandardSTD  = [3]float64{0.5, 0.5, 0.5}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

var kernels = map[int]draw.Interpolator{
	ResizeBilinear:        draw.BiLinear,
	ResizeNearestNeighbor: draw.NearestNeighbor,
	ResizeApproxBilinear:  draw.ApproxBiLinear,
	ResizeCatmullrom:      draw.CatmullRom,
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{white}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// ResizeShorter scales img so its shorter side is size, keeping the
// aspect ratio.
func ResizeShorter(img image.Image, size int, method int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= h {
		return Resize(img, image.Point{size, max(1, h*size/w)}, method)
	}
	return Resize(img, image.Point{max(1, w*size/h), size}, method)
}

// CenterCrop returns the centered size x size region of img. img must be
// at least that large in both dimensions.
func CenterCrop(img image.Image, size int) image.Image {
	b := img.Bounds()
	x0 := b.Min.X + (b.Dx()-size)/2
	y0 := b.Min.Y + (b.Dy()-size)/2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Point{x0, y0}, draw.Src)
	return dst
}

// HorizontalFlip mirrors img left to right.
func HorizontalFlip(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() {
			dst.Set(b.Dx()-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// Normalize returns the pixels of img channel first, rescaled to [0, 1]
// and normalized with mean and std. channels is 3 for RGB or 1 for
// luminance.
func Normalize(img image.Image, mean, std [3]float64, channels int) []float64 {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	vals := make([]float64, channels*plane)

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			if channels == 1 {
				g := color.GrayModel.Convert(c).(color.Gray)
				vals[i] = (float64(g.Y)/255 - mean[0]) / std[0]
			} else {
				r, g, b, _ := c.RGBA()
				vals[i] = (float64(r>>8)/255 - mean[0]) / std[0]
				vals[plane+i] = (float64(g>>8)/255 - mean[1]) / std[1]
				vals[2*plane+i] = (float64(b>>8)/255 - mean[2]) / std[2]
			}
			i++
		}
	}

	return vals
}
