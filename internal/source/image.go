package source

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// DecodeImage sniffs data and, when it is an image, returns its pixels as
// tightly packed RGBA8 rows (non-premultiplied), top row first. ok is false
// for anything that is not an image.
func DecodeImage(data []byte) (pix []byte, ok bool, err error) {
	if !filetype.IsImage(data) {
		return nil, false, nil
	}
	kind, _ := filetype.Match(data)
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, true, fmt.Errorf("decode %s image: %w", kind.Extension, err)
	}
	nrgba := imaging.Clone(img)
	return nrgba.Pix, true, nil
}

// ImageSize returns the pixel dimensions of an encoded image.
func ImageSize(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
