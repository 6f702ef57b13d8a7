package decoder

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readY4M parses the yuv4mpegpipe stream: one stream header line, then FRAME
// records of fixed size. The header carries the geometry and frame rate the
// FLV container does not self-describe.
func (d *Decoder) readY4M(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<16)

	header, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read y4m header: %w", err)
	}
	width, height, fps, err := parseY4MHeader(strings.TrimSuffix(header, "\n"))
	if err != nil {
		return err
	}
	d.stream.setVideoInfo(width, height, fps)

	chromaW := (width + 1) / 2
	chromaH := (height + 1) / 2
	frameSize := width*height + 2*chromaW*chromaH

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "FRAME") {
			return fmt.Errorf("bad y4m frame marker %q", strings.TrimSpace(line))
		}
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		if d.cb.OnFrame != nil {
			d.cb.OnFrame(buf, width, width, height)
		}
	}
}

// parseY4MHeader reads "YUV4MPEG2 W1920 H1080 F25:1 ... C420mpeg2".
func parseY4MHeader(line string) (width, height int, fps float64, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "YUV4MPEG2" {
		return 0, 0, 0, fmt.Errorf("bad y4m signature %q", line)
	}
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		switch f[0] {
		case 'W':
			width, err = strconv.Atoi(f[1:])
			if err != nil {
				return 0, 0, 0, fmt.Errorf("bad y4m width %q", f)
			}
		case 'H':
			height, err = strconv.Atoi(f[1:])
			if err != nil {
				return 0, 0, 0, fmt.Errorf("bad y4m height %q", f)
			}
		case 'F':
			num, den, ok := strings.Cut(f[1:], ":")
			n, err1 := strconv.Atoi(num)
			d, err2 := strconv.Atoi(den)
			if !ok || err1 != nil || err2 != nil || d == 0 {
				return 0, 0, 0, fmt.Errorf("bad y4m frame rate %q", f)
			}
			fps = float64(n) / float64(d)
		case 'C':
			if !strings.HasPrefix(f[1:], "420") {
				return 0, 0, 0, fmt.Errorf("unsupported chroma %q", f)
			}
		}
	}
	if width <= 0 || height <= 0 {
		return 0, 0, 0, fmt.Errorf("y4m header lacks geometry: %q", line)
	}
	if fps <= 0 {
		fps = 25
	}
	return width, height, fps, nil
}
