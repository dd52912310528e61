// Package perf exports the spans and metrics recorded by calls and signaling channels
// for local inspection.
package perf

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/metric/metricexport"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"

	"github.com/edaniels/golog"

	"go.yogatalks.dev/utils"
)

// An Exporter collects spans and metrics until stopped.
type Exporter interface {
	Start() error
	Stop()
}

// DevelopmentExporterOptions configure a development exporter.
type DevelopmentExporterOptions struct {
	// ReportingInterval is the time between two metric exports.
	ReportingInterval time.Duration

	// Views are registered on Start and unregistered on Stop.
	Views []*view.View

	MetricsDisabled bool
	TracesDisabled  bool
}

// developmentExporter logs metrics and prints a call tree summary for every finished
// root span.
type developmentExporter struct {
	o      DevelopmentExporterOptions
	logger golog.Logger
	out    io.Writer

	mu       sync.Mutex
	children map[string][]*trace.SpanData
	reader   *metricexport.Reader
	ir       *metricexport.IntervalReader
}

// NewDevelopmentExporter returns an exporter reporting every ten seconds on the given
// views.
func NewDevelopmentExporter(logger golog.Logger, views ...*view.View) Exporter {
	return NewDevelopmentExporterWithOptions(logger, DevelopmentExporterOptions{
		ReportingInterval: 10 * time.Second,
		Views:             views,
	})
}

// NewDevelopmentExporterWithOptions returns an exporter with the given options.
func NewDevelopmentExporterWithOptions(logger golog.Logger, options DevelopmentExporterOptions) Exporter {
	return newDevelopmentExporter(logger, options, os.Stdout)
}

func newDevelopmentExporter(logger golog.Logger, options DevelopmentExporterOptions, out io.Writer) *developmentExporter {
	return &developmentExporter{
		o:        options,
		logger:   logger,
		out:      out,
		children: map[string][]*trace.SpanData{},
		reader:   metricexport.NewReader(),
	}
}

func (e *developmentExporter) Start() error {
	if err := view.Register(e.o.Views...); err != nil {
		return err
	}
	if !e.o.TracesDisabled {
		trace.RegisterExporter(e)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}
	if e.o.MetricsDisabled {
		return nil
	}
	ir, err := metricexport.NewIntervalReader(e.reader, e)
	if err != nil {
		return err
	}
	ir.ReportingInterval = e.o.ReportingInterval
	e.ir = ir
	return ir.Start()
}

// Stop flushes pending metrics and stops collecting.
func (e *developmentExporter) Stop() {
	if !e.o.TracesDisabled {
		trace.UnregisterExporter(e)
	}
	if e.ir != nil {
		e.ir.Stop()
		// the interval reader drops whatever was recorded since its last tick
		e.reader.ReadAndExport(e)
		e.ir = nil
	}
	view.Unregister(e.o.Views...)
}

// ExportMetrics logs the latest point of every metric as one JSON document.
func (e *developmentExporter) ExportMetrics(ctx context.Context, metrics []*metricdata.Metric) error {
	byName := map[string]interface{}{}
	for _, metric := range metrics {
		var points []interface{}
		for _, ts := range metric.TimeSeries {
			if len(ts.Points) == 0 {
				continue
			}
			labels := map[string]string{}
			for idx, key := range metric.Descriptor.LabelKeys {
				if ts.LabelValues[idx].Present {
					labels[key.Key] = ts.LabelValues[idx].Value
				}
			}
			points = append(points, map[string]interface{}{
				"labels": labels,
				"value":  pointValue(ts.Points[len(ts.Points)-1]),
			})
		}
		if len(points) > 0 {
			byName[metric.Descriptor.Name] = points
		}
	}
	if len(byName) == 0 {
		return nil
	}
	md, err := json.Marshal(byName)
	if err != nil {
		return err
	}
	e.logger.Infow("metrics", "data", string(md))
	return nil
}

func pointValue(point metricdata.Point) interface{} {
	if dist, ok := point.Value.(*metricdata.Distribution); ok {
		return map[string]interface{}{
			"count": dist.Count,
			"sum":   dist.Sum,
		}
	}
	return point.Value
}

// ExportSpan holds on to child spans until their root finishes, then prints the tree.
func (e *developmentExporter) ExportSpan(sd *trace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sd.ParentSpanID != (trace.SpanID{}) {
		parentID := hex.EncodeToString(sd.ParentSpanID[:])
		e.children[parentID] = append(e.children[parentID], sd)
		return
	}

	var summary spanSummary
	e.walk(sd, nil, &summary)
	summary.write(e.out)
}

func (e *developmentExporter) walk(sd *trace.SpanData, callers []string, summary *spanSummary) {
	chain := append(append([]string(nil), callers...), sd.Name)
	summary.add(chain, sd.EndTime.Sub(sd.StartTime))

	id := hex.EncodeToString(sd.SpanID[:])
	children := e.children[id]
	delete(e.children, id)
	for _, child := range children {
		e.walk(child, chain, summary)
	}
}

// spanSummary aggregates calls by their chain of span names from the root.
type spanSummary struct {
	chains []*spanChain
}

type spanChain struct {
	names []string
	count int64
	total time.Duration
}

func (s *spanSummary) add(names []string, took time.Duration) {
	key := strings.Join(names, "\x00")
	for _, chain := range s.chains {
		if strings.Join(chain.names, "\x00") == key {
			chain.count++
			chain.total += took
			return
		}
	}
	s.chains = append(s.chains, &spanChain{names: names, count: 1, total: took})
}

func (s *spanSummary) write(w io.Writer) {
	width := 0
	for _, chain := range s.chains {
		width = max(width, 2*(len(chain.names)-1)+len(chain.names[len(chain.names)-1])+1)
	}
	for _, chain := range s.chains {
		name := strings.Repeat("  ", len(chain.names)-1) + chain.names[len(chain.names)-1] + ":"
		_, err := fmt.Fprintf(w, "%-*s\tCalls: %5d\tTotal time: %-13v\tAverage time: %v\n",
			width, name, chain.count, chain.total, chain.total/time.Duration(chain.count))
		utils.UncheckedError(err)
	}
}
