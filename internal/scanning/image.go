package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// MaxImageDimension is the largest accepted width or height, in pixels
const MaxImageDimension = 4096

// Image is a captured label photo as uploaded by the client
type Image struct {
	Data        []byte
	ContentType string
}

// mimeType returns the normalized MIME type (lowercase, trimmed, defaulting to JPEG)
func (img Image) mimeType() string {
	mimeType := strings.ToLower(strings.TrimSpace(img.ContentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return mimeType
}

// Dimensions reports the image size without decoding pixel data.
// For PDFs this is the bounds of the first page.
func (img Image) Dimensions() (width, height int, err error) {
	if len(img.Data) == 0 {
		return 0, 0, errors.New("empty image")
	}

	mimeType := img.mimeType()
	switch {
	case mimeType == "application/pdf":
		return pdfBounds(img.Data)
	case isHEICFormat(img.Data) || isHEICMimeType(mimeType):
		cfg, err := heic.DecodeConfig(bytes.NewReader(img.Data))
		if err != nil {
			return 0, 0, fmt.Errorf("decoding HEIC/HEIF header: %w", err)
		}
		return cfg.Width, cfg.Height, nil
	default:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
		if err != nil {
			return 0, 0, fmt.Errorf("decoding image header: %w", err)
		}
		return cfg.Width, cfg.Height, nil
	}
}

// validateImage checks the image has positive dimensions within MaxImageDimension
func validateImage(img Image) error {
	w, h, err := img.Dimensions()
	if err != nil {
		return err
	}
	if w <= 0 || h <= 0 || w > MaxImageDimension || h > MaxImageDimension {
		return fmt.Errorf("invalid image dimensions %dx%d", w, h)
	}
	return nil
}

// pdfBounds returns the size of the first PDF page
func pdfBounds(pdfData []byte) (int, int, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return 0, 0, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	bounds, err := doc.Bound(0)
	if err != nil {
		return 0, 0, fmt.Errorf("reading PDF page bounds: %w", err)
	}
	return bounds.Dx(), bounds.Dy(), nil
}

// pdfToImage converts a PDF to a PNG image
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Labels are single page; render the first one
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// imageToPNG converts any image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC (iPhone camera default)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks for the ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "image/heic" || mimeType == "image/heif" ||
		strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// toPNG converts PDFs and non-PNG images to PNG, returning the data as-is when it already is one
func toPNG(img Image) ([]byte, error) {
	mimeType := img.mimeType()
	switch {
	case mimeType == "application/pdf":
		pngData, err := pdfToImage(img.Data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, nil
	case mimeType != "image/png" || isHEICFormat(img.Data) || isHEICMimeType(mimeType):
		pngData, err := imageToPNG(img.Data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, nil
	}
	return img.Data, nil
}
