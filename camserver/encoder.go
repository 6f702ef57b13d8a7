package camserver

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"time"

	"acproxycam/hub"
)

// runEncoder turns the latest decoded frame into a JPEG at the effective
// rate: maxFps while at least one client is connected, idleFps otherwise
// (the idle rate keeps the snapshot cache warm).
func (s *Server) runEncoder(ctx context.Context) {
	var lastSeq uint64
	for {
		fps := s.cfg.IdleFPS
		if s.Counts().total() > 0 {
			fps = s.cfg.MaxFPS
		}
		interval := time.Second / time.Duration(fps)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		f := s.hub.LatestFrame()
		if f == nil || f.Sequence == lastSeq {
			continue
		}
		img := frameImage(f)
		if img == nil {
			continue
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.JpegQuality}); err != nil {
			s.log.Debug().Err(err).Msg("jpeg encode")
			continue
		}
		s.hub.SetJPEG(buf.Bytes())
		lastSeq = f.Sequence
	}
}

// frameImage wraps a planar 4:2:0 frame as an image.YCbCr without copying.
func frameImage(f *hub.Frame) *image.YCbCr {
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	ySize := f.Stride * f.Height
	cSize := cw * ch
	if len(f.Data) < ySize+2*cSize {
		return nil
	}
	return &image.YCbCr{
		Y:              f.Data[:ySize],
		Cb:             f.Data[ySize : ySize+cSize],
		Cr:             f.Data[ySize+cSize : ySize+2*cSize],
		YStride:        f.Stride,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}
