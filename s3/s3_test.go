// Copyright 2021 Molecula Corp. All rights reserved.
package s3_test

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/molecula/filtermerge"
	fms3 "github.com/molecula/filtermerge/s3"
	"github.com/molecula/filtermerge/test/storetest"
)

// fakeS3 serves the calls made by ObjectStore from a map keyed by
// bucket/key.
type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) get(bucket, key *string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.StringValue(bucket)+"/"+aws.StringValue(key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return b, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	b, err := f.get(in.Bucket, in.Key)
	if err != nil {
		return nil, err
	}
	if in.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(aws.StringValue(in.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		if start >= len(b) {
			return nil, awserr.New("InvalidRange", "The requested range is not satisfiable", nil)
		}
		if end >= len(b) {
			end = len(b) - 1
		}
		b = b[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	b, err := f.get(in.Bucket, in.Key)
	if err != nil {
		return nil, awserr.New("NotFound", "Not Found", nil)
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	f.mu.Lock()
	var keys []string
	bucket := aws.StringValue(in.Bucket) + "/"
	for k := range f.objects {
		if strings.HasPrefix(k, bucket+aws.StringValue(in.Prefix)) {
			keys = append(keys, strings.TrimPrefix(k, bucket))
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	// One key per page, to exercise pagination.
	for i, k := range keys {
		out := &s3.ListObjectsV2Output{Contents: []*s3.Object{{Key: aws.String(k)}}}
		if !fn(out, i == len(keys)-1) {
			break
		}
	}
	return nil
}

func TestObjectStore(t *testing.T) {
	storetest.TestObjectStore(t, func(t *testing.T) filtermerge.ObjectStore {
		return fms3.NewObjectStore(newFakeS3())
	})
}
