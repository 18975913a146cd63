package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
)

// S3API is the subset of *s3.Client the output store needs.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// awsRepository reads outputs that ComfyUI syncs into an S3 bucket.
type awsRepository struct {
	client    S3API
	bucket    string
	keyPrefix string
	workDir   string
}

func NewAwsRepository(client S3API, bucket, keyPrefix, workDir string) output.Backend {
	return &awsRepository{client: client, bucket: bucket, keyPrefix: keyPrefix, workDir: workDir}
}

func (a *awsRepository) List(ctx context.Context, _ *models.JobHandle, prefix string) ([]output.Candidate, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(path.Join(a.keyPrefix, prefix) + "_"),
	}
	var out []output.Candidate
	for {
		res, err := a.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects : %w", err)
		}
		for _, obj := range res.Contents {
			key := aws.ToString(obj.Key)
			out = append(out, output.Candidate{Name: path.Base(key), Ref: key, Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(res.IsTruncated) || res.NextContinuationToken == nil {
			return out, nil
		}
		input.ContinuationToken = res.NextContinuationToken
	}
}

func (a *awsRepository) Materialize(ctx context.Context, c output.Candidate) (*models.Artifact, error) {
	res, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(c.Ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download file : %w", err)
	}
	defer res.Body.Close()

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return nil, err
	}
	dst := filepath.Join(a.workDir, c.Name)
	f, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return nil, fmt.Errorf("failed to write %s : %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &models.Artifact{Path: dst, Source: "s3://" + a.bucket + "/" + c.Ref, Remote: true}, nil
}
