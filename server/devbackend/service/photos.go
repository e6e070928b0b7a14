package service

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"fieldsync/server/common/infra/object"
	commonlog "fieldsync/server/common/log"
	"fieldsync/server/devbackend/domain"
)

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: map[string][]byte{}}
}

func (s *MemoryObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryObjectStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

type MinioObjectStore struct {
	client *minio.Client
	bucket string
}

func NewMinioObjectStore(ctx context.Context, opts object.Options, bucket string) (*MinioObjectStore, error) {
	client, err := object.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := object.EnsureBucket(ctx, client, bucket, opts.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return &MinioObjectStore{client: client, bucket: bucket}, nil
}

func (s *MinioObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return object.PutBytes(ctx, s.client, s.bucket, key, data, contentType)
}

type PhotoUpload struct {
	UserID      string
	FileName    string
	ContentType string
	Data        []byte
	Description string
	Latitude    *float64
	Longitude   *float64
	CapturedAt  time.Time
}

type PhotoService struct {
	store ObjectStore
	mu    sync.RWMutex
	byID  map[string]domain.Photo
	order []string
}

func NewPhotoService(store ObjectStore) *PhotoService {
	return &PhotoService{store: store, byID: map[string]domain.Photo{}}
}

// Save stores the original under photos/<user>/<id><ext> and, for decodable
// images, a 320px thumbnail next to it.
func (s *PhotoService) Save(ctx context.Context, upload PhotoUpload) (domain.Photo, error) {
	if len(upload.Data) == 0 {
		return domain.Photo{}, fmt.Errorf("empty photo")
	}
	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(upload.FileName))
	if ext == "" {
		ext = ".jpg"
	}
	key := fmt.Sprintf("photos/%s/%s%s", upload.UserID, id, ext)
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Put(ctx, key, upload.Data, contentType); err != nil {
		return domain.Photo{}, fmt.Errorf("store photo: %w", err)
	}

	photo := domain.Photo{
		ID:          id,
		UserID:      upload.UserID,
		ObjectKey:   key,
		Description: upload.Description,
		Latitude:    upload.Latitude,
		Longitude:   upload.Longitude,
		CapturedAt:  upload.CapturedAt,
		Size:        len(upload.Data),
		ReceivedAt:  time.Now().UTC(),
	}
	thumbKey, err := s.storeThumbnail(ctx, key, upload.Data)
	if err != nil {
		commonlog.Warnf("event=photo_store action=thumbnail status=failed key=%s error=%v", key, err)
	} else {
		photo.ThumbKey = thumbKey
	}

	s.mu.Lock()
	s.byID[id] = photo
	s.order = append(s.order, id)
	s.mu.Unlock()
	commonlog.Infof("event=photo_store action=save status=ok user_id=%s key=%s size=%d", upload.UserID, key, photo.Size)
	return photo, nil
}

func (s *PhotoService) storeThumbnail(ctx context.Context, key string, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", nil
	}
	thumb := imaging.Thumbnail(img, 320, 320, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}
	thumbKey := strings.TrimSuffix(key, filepath.Ext(key)) + "_thumb.jpg"
	if err := s.store.Put(ctx, thumbKey, buf.Bytes(), "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	return thumbKey, nil
}

func (s *PhotoService) List(userID string) []domain.Photo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Photo{}
	for _, id := range s.order {
		if p := s.byID[id]; userID == "" || p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}
