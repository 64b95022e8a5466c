// Package capture turns the image reference produced by a camera or gallery
// picker into bytes that can be uploaded.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxImageBytes caps how much is read from any source.
const MaxImageBytes = 15 << 20

var ErrEmptyImage = errors.New("empty image")

// Image is an uploadable image plus the reference it came from.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
	// Ref is what gets stored on the scan record: a URI, path or data URI.
	Ref string
}

func (i Image) Empty() bool { return len(i.Data) == 0 }

// FromBytes wraps raw bytes, sniffing the content type.
func FromBytes(data []byte, ref string) Image {
	ct := http.DetectContentType(data)
	return Image{
		Data:        data,
		Filename:    "plant" + extensionFor(ct),
		ContentType: ct,
		Ref:         ref,
	}
}

// Load resolves ref, which may be a data URI, an http(s) URL or a local path.
func Load(ctx context.Context, client *http.Client, ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Image{}, ErrEmptyImage
	}

	switch {
	case strings.HasPrefix(ref, "data:"):
		return fromDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fromURL(ctx, client, ref)
	default:
		return fromFile(strings.TrimPrefix(ref, "file://"))
	}
}

func fromDataURI(ref string) (Image, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return Image{}, fmt.Errorf("malformed data uri")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return Image{}, fmt.Errorf("data uri is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode data uri: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}
	img := FromBytes(data, ref)
	if ct := strings.TrimSuffix(meta, ";base64"); ct != "" {
		img.ContentType = ct
		img.Filename = "plant" + extensionFor(ct)
	}
	return img, nil
}

func fromFile(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxImageBytes))
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}
	img := FromBytes(data, path)
	img.Filename = filepath.Base(path)
	return img, nil
}

func fromURL(ctx context.Context, client *http.Client, ref string) (Image, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Image{}, fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes))
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}
	img := FromBytes(data, ref)
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		img.ContentType = ct
	}
	return img, nil
}

// DataURI renders the image as a base64 data URI.
func (i Image) DataURI() string {
	ct := i.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}
