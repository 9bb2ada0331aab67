package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"duespark/internal/types"
)

// CloudWatchClient abstracts the PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink mirrors metrics to AWS CloudWatch. Publishing is best
// effort and asynchronous: the job loops must never block on telemetry, so
// each datum is shipped on its own goroutine with a short timeout and
// failures are only logged.
type CloudWatchSink struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchSink creates a sink publishing into the given namespace.
func NewCloudWatchSink(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchSink{client: client, namespace: namespace, logger: logger}
}

// Increment publishes a count datum of 1 with the labels as dimensions.
func (s *CloudWatchSink) Increment(name string, labels map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dimensions(labels),
	}
	s.publish(name, datum)
}

// Observe publishes the raw value with no unit.
func (s *CloudWatchSink) Observe(name string, value float64) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitNone,
	}
	s.publish(name, datum)
}

func (s *CloudWatchSink) publish(name string, datum cwtypes.MetricDatum) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: []cwtypes.MetricDatum{datum},
		})
		if err != nil {
			s.logger.Warn("failed to publish cloudwatch metric",
				"metric", name,
				"error", err,
			)
		}
	}()
}

func dimensions(labels map[string]string) []cwtypes.Dimension {
	if len(labels) == 0 {
		return nil
	}
	dims := make([]cwtypes.Dimension, 0, len(labels))
	for k, v := range labels {
		dims = append(dims, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}
	return dims
}

var _ types.MetricsSink = (*CloudWatchSink)(nil)
