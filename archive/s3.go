/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func init() {
	BackendRegistry["s3"] = func(raw json.RawMessage) (Backend, error) {
		var cfg S3Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend needs a bucket")
		}
		return NewS3Backend(cfg), nil
	}
}

// S3Config configures the S3 archival backend; Endpoint and ForcePathStyle
// cover S3-compatible stores like MinIO.
type S3Config struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	ForcePathStyle  bool   `json:"force_path_style"`
}

// S3Backend archives segments as S3 objects under a key prefix. The client
// is built lazily on first use so constructing an engine with an archive
// config does not touch the network.
type S3Backend struct {
	cfg S3Config

	mu     sync.Mutex
	client *s3.Client
}

// NewS3Backend builds an S3Backend; no connection is made until the first
// operation.
func NewS3Backend(cfg S3Config) *S3Backend {
	return &S3Backend{cfg: cfg}
}

func (b *S3Backend) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if b.cfg.Region != "" {
		opts = append(opts, config.WithRegion(b.cfg.Region))
	}
	if b.cfg.AccessKeyID != "" && b.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.cfg.AccessKeyID, b.cfg.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if b.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(b.cfg.Endpoint)
		})
	}
	if b.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	b.client = s3.NewFromConfig(cfg, s3Opts...)
	return nil
}

func (b *S3Backend) key(name string) string {
	pfx := strings.TrimSuffix(b.cfg.Prefix, "/")
	if pfx == "" {
		return name
	}
	return pfx + "/" + name
}

func (b *S3Backend) Put(name string, r io.Reader) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(name)),
		Body:   r,
	})
	return err
}

func (b *S3Backend) Get(name string) (io.ReadCloser, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	resp, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (b *S3Backend) Delete(name string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(name)),
	})
	return err
}
