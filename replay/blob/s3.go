package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Store serves s3://bucket/key paths. The client is created lazily from the
// ambient AWS configuration (env, shared config) on first use.
type s3Store struct {
	once   sync.Once
	client *s3.Client
	err    error
}

func newS3Store() *s3Store { return &s3Store{} }

func (st *s3Store) init(ctx context.Context) error {
	st.once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			st.err = fmt.Errorf("loading AWS config: %w", err)
			return
		}
		st.client = s3.NewFromConfig(cfg)
	})
	return st.err
}

// splitS3 splits "s3://bucket/key/parts" into bucket and key.
func splitS3(path string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(path, "s3://")
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 path %q", ErrUnknownTransport, path)
	}
	return bucket, key, nil
}

func (st *s3Store) Read(ctx context.Context, path string) ([]byte, error) {
	if err := st.init(ctx); err != nil {
		return nil, err
	}
	bucket, key, err := splitS3(path)
	if err != nil {
		return nil, err
	}
	out, err := st.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (st *s3Store) Write(ctx context.Context, path string, data []byte) error {
	if err := st.init(ctx); err != nil {
		return err
	}
	bucket, key, err := splitS3(path)
	if err != nil {
		return err
	}
	_, err = st.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
