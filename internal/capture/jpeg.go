package capture

import (
	"bytes"
	"image"
	_ "image/jpeg"
)

// extractJPEGFrame cuts the first complete JPEG (FFD8 ... FFD9) out of buffer
// and returns it; bytes before the frame are discarded with it.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := bytes.Index(buf, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		// keep a trailing 0xFF, it may start the next marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[startIdx+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		return nil
	}
	endIdx := startIdx + 2 + end + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = append(buf[:0], buf[endIdx:]...)

	return frame
}

// frameSize reads the dimensions from a JPEG header
func frameSize(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
