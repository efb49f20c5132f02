// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ota

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ffutop/boardlink/internal/config"
	"github.com/ffutop/boardlink/internal/failure"
)

// ImageSource opens an image for streaming. The returned length is -1 when
// the source does not advertise it.
type ImageSource interface {
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error)
}

// HTTPSource fetches images with plain HTTP GET requests.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTPSource. timeout bounds connecting and waiting
// for the response headers.
func NewHTTPSource(timeout time.Duration, insecureSkipVerify bool) *HTTPSource {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecureSkipVerify},
	}
	return &HTTPSource{client: &http.Client{Transport: transport}}
}

func (hs *HTTPSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	const op = "fetch image"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, failure.New(failure.Network, op, failure.CodeUnsupportedURL, err)
	}
	resp, err := hs.client.Do(req)
	if err != nil {
		return nil, 0, failure.New(failure.Network, op, failure.CodeConnect, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, failure.Newf(failure.Network, op, failure.CodeHTTPStatus, "unexpected status %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// S3Source fetches images from an S3 compatible object store. URLs have the
// form s3://bucket/path/to/object.
type S3Source struct {
	client *minio.Client
}

// NewS3Source creates a client for the object store in cfg.
func NewS3Source(cfg config.S3Config) (*S3Source, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	}
	if cfg.InsecureSkipVerify {
		opts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, failure.New(failure.Setup, "s3 client", failure.CodeConnect, err)
	}
	return &S3Source{client: client}, nil
}

func (ss *S3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	const op = "fetch image"
	bucket, object := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return nil, 0, failure.Newf(failure.Network, op, failure.CodeUnsupportedURL, "expected s3://bucket/object, got %s", u)
	}

	obj, err := ss.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, failure.New(failure.Network, op, failure.CodeConnect, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).StatusCode != 0 {
			return nil, 0, failure.New(failure.Network, op, failure.CodeHTTPStatus, err)
		}
		return nil, 0, failure.New(failure.Network, op, failure.CodeConnect, err)
	}
	return obj, info.Size, nil
}
