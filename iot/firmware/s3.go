package firmware

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// S3Configuration configures the S3 presigner.
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	KeyPrefix     string
	AccessID      string
	AccessKey     string
	// URLValidity bounds how long a signed download URL stays usable.
	URLValidity time.Duration
}

// S3Signer builds expiring presigned download URLs for bucket-hosted
// firmware images.
type S3Signer struct {
	config   aws.Config
	bucket   string
	prefix   string
	validity time.Duration
}

// NewS3Signer returns a new S3Signer.
func NewS3Signer(cfg S3Configuration) (*S3Signer, error) {
	if cfg.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	awsConfig, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(cfg.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessID, cfg.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}

	validity := cfg.URLValidity
	if validity <= 0 {
		validity = time.Hour
	}
	logger.Default().Debugln("firmware S3 signer enabled")
	return &S3Signer{config: awsConfig, bucket: cfg.AWSBucketName, prefix: cfg.KeyPrefix, validity: validity}, nil
}

// SignURL implements URLSigner with a presigned GET on the firmware object.
func (s *S3Signer) SignURL(fw Firmware, d *twin.Device) (string, error) {
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))
	resp, err := client.PresignGetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + fw.Key),
	}, s3.WithPresignExpires(s.validity))
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}
