package metadata

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"

	"github.com/nfnt/resize"

	"github.com/trackline/trackline/internal/network"
)

const maxArtworkBytes = 10 << 20

// fetchArtwork downloads a thumbnail and scales it so its longest side is targetSize
func (m *Manager) fetchArtwork(ctx context.Context, url string, targetSize int) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid artwork url: %w", err)
	}

	resp, err := m.client.Do(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download artwork: %w", err)
	}
	defer resp.Body.Close()

	if err := network.StatusError(resp); err != nil {
		return nil, "", fmt.Errorf("failed to download artwork: %w", err)
	}

	imageData, err := io.ReadAll(io.LimitReader(resp.Body, maxArtworkBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read artwork data: %w", err)
	}

	return resizeImage(imageData, targetSize)
}

// resizeImage decodes a JPEG or PNG and re-encodes it scaled to targetSize.
// Images already within the target are returned unchanged.
func resizeImage(imageData []byte, targetSize int) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	mimeType := "image/" + format
	if format == "jpg" {
		mimeType = "image/jpeg"
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if targetSize <= 0 || (width <= targetSize && height <= targetSize) {
		return imageData, mimeType, nil
	}

	var resized image.Image
	if width > height {
		resized = resize.Resize(uint(targetSize), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(targetSize), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, resized)
	default:
		mimeType = "image/jpeg"
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode resized image: %w", err)
	}

	return buf.Bytes(), mimeType, nil
}
