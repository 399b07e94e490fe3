package asyncloader

import (
	"bufio"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

func uploadable(f gpu.Format) bool {
	switch f {
	case gpu.FormatRGBA8Unorm, gpu.FormatRGBA8Srgb, gpu.FormatBGRA8Unorm:
		return true
	}
	return false
}

// decodeFile returns the pixels of path laid out for desc. Images whose
// size differs from the texture are rescaled.
func decodeFile(path string, desc gpu.TextureDesc) ([]byte, error) {
	if !uploadable(desc.Format) {
		return nil, fmt.Errorf("decode %q into %s: %w", path, desc.Format, core.ErrConfiguration)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	defer f.Close()

	src, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	core.LogDebug("decoded %s image %q (%dx%d)", format, path, src.Bounds().Dx(), src.Bounds().Dy())

	dst := image.NewRGBA(image.Rect(0, 0, int(desc.Width), int(desc.Height)))
	if src.Bounds().Size() == dst.Bounds().Size() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	if desc.Format == gpu.FormatBGRA8Unorm {
		swizzleRB(dst.Pix)
	}
	return dst.Pix, nil
}

func swizzleRB(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}
