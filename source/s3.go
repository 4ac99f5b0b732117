package source

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hrsage/sage/utils"
	"github.com/pkg/errors"
)

// S3Store reads objects of one bucket below Prefix. Ids are keys
// relative to Prefix.
type S3Store struct {
	api    s3iface.S3API
	Bucket string
	Prefix string
}

func NewS3Store(cfg *utils.SourceConfig) (*S3Store, error) {
	awsCfg := &aws.Config{}
	if len(cfg.Region) > 0 {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if len(cfg.Endpoint) > 0 {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return MakeS3Store(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

func MakeS3Store(api s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, Bucket: bucket, Prefix: prefix}
}

func (s *S3Store) key(id string) string {
	if len(s.Prefix) == 0 {
		return id
	}
	return path.Join(s.Prefix, id)
}

func (s *S3Store) Fetch(ctx context.Context, id string) ([]byte, error) {
	if id == Latest {
		var err error
		if id, err = latestID(ctx, s); err != nil {
			return nil, err
		}
	}
	result, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "s3://%s/%s", s.Bucket, s.key(id))
		}
		return nil, errors.Wrapf(err, "s3://%s/%s", s.Bucket, s.key(id))
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

// List calls ListObjectsV2 and keeps looping while a continuation token
// is returned.
func (s *S3Store) List(ctx context.Context) ([]Object, error) {
	params := s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix),
	}
	var out []Object
	for {
		listing, err := s.api.ListObjectsV2WithContext(ctx, &params)
		if err != nil {
			return nil, errors.Wrapf(err, "listing s3://%s/%s", s.Bucket, s.Prefix)
		}
		for _, item := range listing.Contents {
			if item.Key == nil {
				continue
			}
			id := strings.TrimPrefix(strings.TrimPrefix(*item.Key, s.Prefix), "/")
			o := Object{ID: id, Name: path.Base(*item.Key)}
			if item.LastModified != nil {
				o.ModifiedTime = item.LastModified.UTC()
			}
			out = append(out, o)
		}

		if listing.IsTruncated != nil && *listing.IsTruncated && listing.NextContinuationToken != nil {
			params.ContinuationToken = listing.NextContinuationToken
		} else {
			break
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
