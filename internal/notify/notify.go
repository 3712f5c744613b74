// Package notify fires post-upload notifications. The only production
// sink is a CloudFront invalidation; failures are never fatal to the
// sync cycle that triggered them.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
)

type Sink interface {
	// Invalidate asks the target to drop cached copies of everything
	// matching pathPattern.
	Invalidate(ctx context.Context, target string, pathPattern string) error
}

type CloudFrontSink struct {
	api *cloudfront.Client
}

func NewCloudFrontSink(awsCfg aws.Config) *CloudFrontSink {
	return &CloudFrontSink{
		api: cloudfront.NewFromConfig(awsCfg),
	}
}

func (s *CloudFrontSink) Invalidate(ctx context.Context, distributionID string, pathPattern string) error {
	_, err := s.api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(uuid.NewString()),
			Paths: &types.Paths{
				Items:    []string{pathPattern},
				Quantity: aws.Int32(1),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cloudfront invalidation %s %q: %w", distributionID, pathPattern, err)
	}
	return nil
}

var _ Sink = (*CloudFrontSink)(nil)
