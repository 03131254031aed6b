package dataset

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/samcharles93/vitptq/internal/tensor"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform converts a decoded image into a normalized [3,H,W] tensor.
type Transform func(img image.Image) *tensor.Tensor

// EvalTransform returns the DeiT evaluation transform. For sizes above 32 the
// shorter side is resized bicubically to size*256/224 and the center
// size x size crop is taken; smaller inputs are used as they are. Pixels are
// scaled to [0,1] and normalized with the ImageNet mean and deviation.
func EvalTransform(size int) Transform {
	return func(img image.Image) *tensor.Tensor {
		if size > 32 {
			img = CenterCrop(ResizeShorter(img, int(float64(size)*256/224)), size)
		}
		return ToTensor(img)
	}
}

// ResizeShorter scales img so that its shorter side equals short, keeping
// the aspect ratio.
func ResizeShorter(img image.Image, short int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if min(w, h) == short {
		return img
	}
	var nw, nh int
	if w <= h {
		nw, nh = short, int(float64(short)*float64(h)/float64(w))
	} else {
		nw, nh = int(float64(short)*float64(w)/float64(h)), short
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// CenterCrop cuts the central size x size square. Images smaller than size
// are padded with black.
func CenterCrop(img image.Image, size int) image.Image {
	b := img.Bounds()
	top := int(float64(b.Dy()-size)/2 + 0.5)
	left := int(float64(b.Dx()-size)/2 + 0.5)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(b.Min.X+left, b.Min.Y+top), draw.Src)
	return dst
}

// ToTensor converts img to a normalized CHW float32 tensor.
func ToTensor(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.New(tensor.Float32, 3, h, w)
	plane := w * h
	for y := range h {
		for x := range w {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := y*w + x
			for ch, v := range [3]uint8{c.R, c.G, c.B} {
				t.F32[ch*plane+i] = (float32(v)/255 - imagenetMean[ch]) / imagenetStd[ch]
			}
		}
	}
	return t
}
