// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package s3 implements filtermerge.ObjectStore on Amazon S3. Containers are
// buckets and paths are keys.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/awsutil"
	"github.com/molecula/filtermerge/errors"
)

// Ensure type implements interface.
var _ filtermerge.ObjectStore = (*ObjectStore)(nil)
var _ filtermerge.RangeReader = (*ObjectStore)(nil)

type ObjectStore struct {
	client s3iface.S3API
}

// NewObjectStore returns an ObjectStore using client.
func NewObjectStore(client s3iface.S3API) *ObjectStore {
	return &ObjectStore{client: client}
}

func notFound(err error) bool {
	return awsutil.IsCode(err, s3.ErrCodeNoSuchKey) ||
		awsutil.IsCode(err, s3.ErrCodeNoSuchBucket) ||
		awsutil.IsCode(err, "NotFound")
}

func (s *ObjectStore) Read(ctx context.Context, loc filtermerge.Location) ([]byte, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Path),
	})
	if notFound(err) {
		return nil, filtermerge.NewErrObjectDoesNotExist(loc)
	} else if err != nil {
		return nil, errors.Wrapf(err, "fetching S3 object %s", loc)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, errors.Wrapf(err, "reading S3 object %s", loc)
	}
	return buf.Bytes(), nil
}

func (s *ObjectStore) Write(ctx context.Context, loc filtermerge.Location, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(loc.Container),
		Key:           aws.String(loc.Path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return errors.Wrapf(err, "putting S3 object %s", loc)
}

func (s *ObjectStore) List(ctx context.Context, container, prefix string) ([]string, error) {
	var out []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			out = append(out, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing s3://%s/%s", container, prefix)
	}
	// S3 lists keys in UTF-8 binary order already.
	return out, nil
}

func (s *ObjectStore) Size(ctx context.Context, loc filtermerge.Location) (int64, error) {
	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Path),
	})
	if notFound(err) {
		return 0, filtermerge.NewErrObjectDoesNotExist(loc)
	} else if err != nil {
		return 0, errors.Wrapf(err, "heading S3 object %s", loc)
	}
	return aws.Int64Value(head.ContentLength), nil
}

// ReadAt fetches len(p) bytes at off with a ranged GetObject.
func (s *ObjectStore) ReadAt(ctx context.Context, loc filtermerge.Location, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Path),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if notFound(err) {
		return 0, filtermerge.NewErrObjectDoesNotExist(loc)
	} else if awsutil.IsCode(err, "InvalidRange") {
		return 0, io.EOF
	} else if err != nil {
		return 0, errors.Wrapf(err, "fetching range of S3 object %s", loc)
	}
	defer result.Body.Close()

	n, err := io.ReadFull(result.Body, p)
	if err == io.ErrUnexpectedEOF {
		return n, io.EOF
	} else if err != nil {
		return n, errors.Wrapf(err, "reading range of S3 object %s", loc)
	}
	return n, nil
}
