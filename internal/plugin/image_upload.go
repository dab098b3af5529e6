package plugin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math/rand/v2"
	"os"

	"epdframe/internal/convert"
	appLog "epdframe/internal/log"
	"epdframe/internal/model"
)

// ImageUploadID is the registry ID of the slideshow plugin.
const ImageUploadID = "image_upload"

// Settings keys used by ImageUpload.
const (
	KeyImageFiles = "imageFiles[]"
	KeyImageIndex = "image_index"
	KeyRandomize  = "randomize"
)

// ImageUpload shows uploaded images one per cycle, in order or at random.
type ImageUpload struct {
	// intN returns a value in [0,n). Replaced in tests.
	intN func(n int) int
}

func NewImageUpload() *ImageUpload {
	return &ImageUpload{intN: rand.IntN}
}

// GenerateImage opens the image at image_index and writes back the index
// for the next cycle. When the list shrank below the stored index it starts
// over at 0.
func (p *ImageUpload) GenerateImage(_ context.Context, s Settings, _ model.Device) (image.Image, error) {
	files := s.Strings(KeyImageFiles)
	if len(files) == 0 {
		return nil, errors.New("image_upload: no images provided")
	}

	idx := s.Int(KeyImageIndex, 0)
	if idx < 0 || idx >= len(files) {
		idx = 0
	}

	if s.Bool(KeyRandomize) {
		idx = p.intN(len(files))
		img, err := openImage(files[idx])
		if err != nil {
			return nil, err
		}
		s[KeyImageIndex] = idx
		return img, nil
	}

	img, err := openImage(files[idx])
	if err != nil {
		return nil, err
	}
	s[KeyImageIndex] = (idx + 1) % len(files)
	return img, nil
}

func openImage(path string) (image.Image, error) {
	img, err := convert.DecodeFile(path)
	if err != nil {
		appLog.Error("image_upload: failed to read image file", err, "path", path)
		return nil, fmt.Errorf("image_upload: failed to read image file: %w", err)
	}
	return img, nil
}

// Cleanup deletes every uploaded file of the instance. Failures are
// logged and otherwise ignored.
func (p *ImageUpload) Cleanup(s Settings) {
	for _, path := range s.Strings(KeyImageFiles) {
		err := os.Remove(path)
		switch {
		case err == nil:
			appLog.Info("deleted uploaded image", "path", path)
		case errors.Is(err, fs.ErrNotExist):
		default:
			appLog.Warn("failed to delete uploaded image", convert.PartialWrite("cleanup", err), "path", path)
		}
	}
}

// AddImage appends path to the instance's image list.
func AddImage(s Settings, path string) {
	s[KeyImageFiles] = append(s.Strings(KeyImageFiles), path)
}
