package call

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	roleKey = tag.MustNewKey("role")
	opKey   = tag.MustNewKey("op")

	setupsMeasure = stats.Int64(
		"yogatalks/call/setups",
		"Number of calls started or joined",
		stats.UnitDimensionless,
	)
	setupFailuresMeasure = stats.Int64(
		"yogatalks/call/setup_failures",
		"Number of failed attempts to start or join a call",
		stats.UnitDimensionless,
	)
	setupLatencyMeasure = stats.Float64(
		"yogatalks/call/setup_latency",
		"Time taken to start or join a call",
		stats.UnitMilliseconds,
	)
	publishFailuresMeasure = stats.Int64(
		"yogatalks/call/candidate_publish_failures",
		"Number of local candidates that could not be published",
		stats.UnitDimensionless,
	)

	setupsView = &view.View{
		Measure:     setupsMeasure,
		TagKeys:     []tag.Key{roleKey},
		Aggregation: view.Count(),
	}
	setupFailuresView = &view.View{
		Measure:     setupFailuresMeasure,
		TagKeys:     []tag.Key{roleKey, opKey},
		Aggregation: view.Count(),
	}
	setupLatencyView = &view.View{
		Measure:     setupLatencyMeasure,
		TagKeys:     []tag.Key{roleKey},
		Aggregation: view.Distribution(10, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	}
	publishFailuresView = &view.View{
		Measure:     publishFailuresMeasure,
		Aggregation: view.Sum(),
	}
)

// Views returns the views over everything managers measure. Register them to collect.
func Views() []*view.View {
	return []*view.View{setupsView, setupFailuresView, setupLatencyView, publishFailuresView}
}

// recordSetup records the outcome of a StartCall or JoinCall that began at start.
func recordSetup(ctx context.Context, role Role, start time.Time, err error) {
	if errors.Is(err, ErrCallInProgress) || errors.Is(err, ErrDestroyed) {
		return
	}
	mutators := []tag.Mutator{tag.Upsert(roleKey, role.String())}
	if err != nil {
		op := "unknown"
		var setupErr *SetupError
		if errors.As(err, &setupErr) {
			op = setupErr.Op
		}
		mutators = append(mutators, tag.Upsert(opKey, op))
		recordWithTags(ctx, mutators, setupFailuresMeasure.M(1))
		return
	}
	recordWithTags(ctx, mutators,
		setupsMeasure.M(1),
		setupLatencyMeasure.M(float64(time.Since(start))/float64(time.Millisecond)),
	)
}

func recordPublishFailure() {
	stats.Record(context.Background(), publishFailuresMeasure.M(1))
}

func recordWithTags(ctx context.Context, mutators []tag.Mutator, ms ...stats.Measurement) {
	// only fails on invalid tag values, which role and op names never are
	//nolint:errcheck
	stats.RecordWithTags(ctx, mutators, ms...)
}
