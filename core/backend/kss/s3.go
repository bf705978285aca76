// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/architect/core/logger"
)

// S3Credentials holds the AWS credentials, as read from the environment
type S3Credentials struct {
	AccessID  string `env:"AWS_ACCESS_ID"`
	AccessKey string `env:"AWS_ACCESS_KEY"`
}

// S3Configuration contains the configuration for the AWS S3 KSS service
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	// KeyPrefix is prepended to every key
	KeyPrefix string
}

// S3 is the implementation of the KSS Driver for AWS S3
type S3 struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3
func NewS3(ctx context.Context, kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(kssConfig.AWSRegion)}
	if kssConfig.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsConfig)
	logger.Default().Debugln("KSS S3 enabled")
	return &S3{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      kssConfig.AWSBucketName,
		baseKeyName: kssConfig.KeyPrefix,
	}, nil
}

// Put uploads data into the key object
func (s S3) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file, %v", err)
	}
	return nil
}

// Get downloads the key object
func (s S3) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete deletes the key object
func (s S3) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.FromContext(ctx).Error("Could not delete ", s.baseKeyName+key)
		return err
	}
	logger.FromContext(ctx).Infoln("Deleted ", s.baseKeyName+key)
	return nil
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (s S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}); err != nil {
			logger.FromContext(ctx).Error("Could not delete ", s.baseKeyName+key)
			return err
		}
	}
	logger.FromContext(ctx).Infoln("Deleted all ", s.baseKeyName+prefix)
	return nil
}

// List lists all keys starting with prefix, without the key prefix of the configuration
func (s S3) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.baseKeyName + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.FromContext(ctx).Error("Could not ListObjectsV2 from ", s.bucket)
			return nil, err
		}
		for _, item := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(item.Key), s.baseKeyName))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
