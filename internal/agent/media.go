package agent

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

// maxImageBytes caps image files read from disk (10MB).
const maxImageBytes = 10 * 1024 * 1024

// maxImageDim is the longest edge sent to vision engines; larger
// images are downscaled to keep token cost bounded.
const maxImageDim = 1568

// LoadImages reads local image files into base64 image content for the
// engine. Non-image files, unreadable files, and oversized files are
// skipped with a warning.
func LoadImages(paths []string) []convo.ImageContent {
	var images []convo.ImageContent
	for _, path := range paths {
		mime := imageMime(path)
		if mime == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("agent.image_read_failed", "path", path, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("agent.image_too_large", "path", path, "size", len(data))
			continue
		}
		data = downscale(data, mime)
		images = append(images, convo.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// downscale fits jpeg/png images within maxImageDim on the long edge.
// Anything it cannot decode or re-encode passes through unchanged.
func downscale(data []byte, mime string) []byte {
	var format imaging.Format
	switch mime {
	case "image/jpeg":
		format = imaging.JPEG
	case "image/png":
		format = imaging.PNG
	default:
		return data
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim {
		return data
	}

	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return data
	}
	return buf.Bytes()
}

func imageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
