package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ivrit-ai/crowd-recital/logger"

	"github.com/minio/minio-go/v7"
)

// ContentStorage stages files on the local disk and publishes them to the
// object store bucket.
type ContentStorage struct {
	client     *minio.Client
	bucketName string
	dataFolder string
}

// NewContentStorage 创建内容存储
func NewContentStorage(client *minio.Client, bucketName, dataFolder string) *ContentStorage {
	return &ContentStorage{
		client:     client,
		bucketName: bucketName,
		dataFolder: dataFolder,
	}
}

// LocalPath resolves filename inside the staging folder.
func (s *ContentStorage) LocalPath(filename string) string {
	return filepath.Join(s.dataFolder, filename)
}

// Upload puts the staged file under objectKey. Any problem, including a
// missing local file or an unconfigured bucket, is reported as an error.
func (s *ContentStorage) Upload(ctx context.Context, filename, objectKey string, metadata map[string]string, contentType string) error {
	if s.client == nil || s.bucketName == "" {
		return errors.New("object storage bucket is not configured")
	}

	source := s.LocalPath(filename)
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("local file %s is not available: %w", source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("local path %s is a directory", source)
	}

	if contentType == "" {
		contentType = InferContentType(filename)
	}
	_, err = s.client.FPutObject(ctx, s.bucketName, objectKey, source, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("上传 %s 到 %s 失败: %w", source, objectKey, err)
	}

	logger.Debug("上传对象成功",
		logger.String("object", objectKey),
		logger.Int64("size", info.Size()))
	return nil
}

// DeletePrefix removes every object under prefix. An empty prefix is refused
// so a bug can never wipe the bucket.
func (s *ContentStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.Trim(prefix, "/") == "" {
		return errors.New("refusing to delete an empty prefix")
	}
	if s.client == nil {
		return errors.New("object storage client is not configured")
	}

	objectCh := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	// 收集要删除的对象
	var objectsToDelete []minio.ObjectInfo
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		objectsToDelete = append(objectsToDelete, object)
	}
	if len(objectsToDelete) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(objectsToDelete))
	for _, obj := range objectsToDelete {
		objectsCh <- obj
	}
	close(objectsCh)

	for rmErr := range s.client.RemoveObjects(ctx, s.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rmErr.Err != nil {
			return fmt.Errorf("删除对象 %s 失败: %w", rmErr.ObjectName, rmErr.Err)
		}
	}

	logger.Info("删除目录成功",
		logger.String("prefix", prefix),
		logger.Int("objects", len(objectsToDelete)))
	return nil
}

// PresignedURL returns a time-limited GET link for objectKey.
func (s *ContentStorage) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if s.client == nil {
		return "", errors.New("object storage client is not configured")
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucketName, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("生成 %s 的签名链接失败: %w", objectKey, err)
	}
	return u.String(), nil
}

// RemoveLocal deletes a staged file; a missing file is not an error.
func (s *ContentStorage) RemoveLocal(filename string) error {
	if filename == "" {
		return nil
	}
	err := os.Remove(s.LocalPath(filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove local file %s: %w", filename, err)
	}
	return nil
}
