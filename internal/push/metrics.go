package push

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"pawkeep/internal/types"
)

// DeliveryMetrics records push delivery outcomes and latency.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, outcome Outcome)
	RecordLatency(ctx context.Context, duration time.Duration)
}

// NoopMetrics discards all measurements. Used when no metrics backend is
// configured.
type NoopMetrics struct{}

func (NoopMetrics) RecordDelivery(context.Context, Outcome)      {}
func (NoopMetrics) RecordLatency(context.Context, time.Duration) {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// MetricNamespace is the CloudWatch namespace all delivery metrics land in.
const MetricNamespace = "PawKeep/Push"

// CloudWatchMetrics implements DeliveryMetrics by emitting to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Outcome} -- on every per-message outcome
//   - DeliveryLatency: no dims -- wall time of a successful batch call
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ DeliveryMetrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the
// standard namespace.
func NewCloudWatchMetrics(client CloudWatchClient, logger types.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: MetricNamespace,
		logger:    logger,
	}
}

// RecordDelivery emits a DeliveryAttempt metric with the Outcome dimension.
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, outcome Outcome) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DeliveryAttempt"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("Outcome"),
						Value: aws.String(string(outcome)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record delivery metric",
			"error", err.Error(),
			"outcome", string(outcome),
		)
	}
}

// RecordLatency emits the wall time of a successful provider batch call, in
// milliseconds.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DeliveryLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record latency metric",
			"error", err.Error(),
			"duration_ms", duration.Milliseconds(),
		)
	}
}
