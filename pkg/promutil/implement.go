package promutil

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamplace"

type wrappingFactory struct {
	r prometheus.Registerer
	// constLabels is added to every metric produced by the factory
	constLabels prometheus.Labels
}

// NewFactory returns a Factory registering into r. A nil r produces
// metrics that are never registered.
func NewFactory(r prometheus.Registerer, constLabels prometheus.Labels) Factory {
	return &wrappingFactory{r: r, constLabels: constLabels}
}

// NewNopFactory returns a Factory whose metrics are not registered anywhere.
func NewNopFactory() Factory {
	return &wrappingFactory{}
}

func (f *wrappingFactory) register(c prometheus.Collector) {
	if f.r == nil {
		return
	}
	f.r.MustRegister(c)
}

func (f *wrappingFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(*wrapCounterOpts(f.constLabels, &opts))
	f.register(c)
	return c
}

func (f *wrappingFactory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(*wrapCounterOpts(f.constLabels, &opts), labelNames)
	f.register(c)
	return c
}

func (f *wrappingFactory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	c := prometheus.NewGauge(*wrapGaugeOpts(f.constLabels, &opts))
	f.register(c)
	return c
}

func (f *wrappingFactory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	c := prometheus.NewHistogram(*wrapHistogramOpts(f.constLabels, &opts))
	f.register(c)
	return c
}

func (f *wrappingFactory) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	c := prometheus.NewHistogramVec(*wrapHistogramOpts(f.constLabels, &opts), labelNames)
	f.register(c)
	return c
}

func wrapCounterOpts(constLabels prometheus.Labels, opts *prometheus.CounterOpts) *prometheus.CounterOpts {
	if opts.Namespace == "" {
		opts.Namespace = namespace
	}
	opts.ConstLabels = mergeLabels(opts.ConstLabels, constLabels)
	return opts
}

func wrapGaugeOpts(constLabels prometheus.Labels, opts *prometheus.GaugeOpts) *prometheus.GaugeOpts {
	if opts.Namespace == "" {
		opts.Namespace = namespace
	}
	opts.ConstLabels = mergeLabels(opts.ConstLabels, constLabels)
	return opts
}

func wrapHistogramOpts(constLabels prometheus.Labels, opts *prometheus.HistogramOpts) *prometheus.HistogramOpts {
	if opts.Namespace == "" {
		opts.Namespace = namespace
	}
	opts.ConstLabels = mergeLabels(opts.ConstLabels, constLabels)
	return opts
}

func mergeLabels(own, extra prometheus.Labels) prometheus.Labels {
	if len(extra) == 0 {
		return own
	}
	ret := make(prometheus.Labels, len(own)+len(extra))
	for k, v := range extra {
		ret[k] = v
	}
	for k, v := range own {
		ret[k] = v
	}
	return ret
}
