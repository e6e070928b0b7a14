package service

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	commonlog "fieldsync/server/common/log"
)

const (
	defaultPhotoMaxDimension = 1920
	photoJPEGQuality         = 85
)

// preparePhoto reads the local media and shrinks it so its longest side is at most
// maxDim, re-encoded as JPEG. Files that do not decode as images are sent as-is.
// A missing file can never be uploaded and is reported as ErrDiscard.
func preparePhoto(ref string, maxDim int) ([]byte, string, error) {
	raw, err := os.ReadFile(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: local media %s is gone", ErrDiscard, ref)
		}
		return nil, "", fmt.Errorf("read local media %s: %w", ref, err)
	}
	name := filepath.Base(ref)
	if maxDim <= 0 {
		maxDim = defaultPhotoMaxDimension
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		commonlog.Debugf("event=photo action=prepare status=passthrough ref=%s reason=%v", ref, err)
		return raw, name, nil
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(photoJPEGQuality)); err != nil {
		return nil, "", fmt.Errorf("encode photo %s: %w", ref, err)
	}
	jpegName := strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
	commonlog.Debugf("event=photo action=prepare status=ok ref=%s width=%d height=%d bytes=%d", ref, img.Bounds().Dx(), img.Bounds().Dy(), buf.Len())
	return buf.Bytes(), jpegName, nil
}
