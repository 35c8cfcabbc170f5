package media

import (
	"context"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/pkg/fn"
)

// Frame is a tightly packed BGR pixel matrix.
type Frame struct {
	W, H int
	Pix  []byte // len W*H*3, row-major
}

// Decode yields the frames of the post's media. Still images and animated
// gifs produce exactly one frame, videos one frame per keyframe. The
// returned stream is finite and closed by the decoder.
func Decode(ctx context.Context, post domain.Post, r io.Reader) <-chan fn.Result[Frame] {
	switch post.Type {
	case domain.TypeImage, domain.TypeAnimated:
		out := make(chan fn.Result[Frame], 1)
		out <- fn.FromPair(DecodeStill(r))
		close(out)
		return out
	case domain.TypeVideo:
		return DecodeVideo(ctx, r)
	default:
		out := make(chan fn.Result[Frame], 1)
		out <- fn.Err[Frame](fmt.Errorf("media: no decoder for post type %s: %w", post.Type, domain.ErrDecode))
		close(out)
		return out
	}
}

// DecodeStill decodes a still image into its first frame.
func DecodeStill(r io.Reader) (Frame, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return Frame{}, fmt.Errorf("media: decode image: %w: %w", domain.ErrDecode, err)
	}
	return frameFromImage(img), nil
}

func frameFromImage(img image.Image) Frame {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	f := Frame{W: w, H: h, Pix: make([]byte, w*h*3)}
	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := f.Pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3+0] = src[x*4+2]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+0]
		}
	}
	return f
}
