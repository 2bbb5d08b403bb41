// Package metrics records counters, gauges and histograms and exposes them
// in the Prometheus text format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names shared by the dispatcher, the orchestrator and the gateway.
const (
	DispatchTotal         = "relaybot_dispatch_total"
	DispatchLatency       = "relaybot_dispatch_latency_seconds"
	TurnsTotal            = "relaybot_turns_total"
	BackendConsultLatency = "relaybot_backend_consult_seconds"
	BackendErrorsTotal    = "relaybot_backend_errors_total"
	BackendThrottledTotal = "relaybot_backend_throttled_total"
	ThreadBusyTotal       = "relaybot_thread_busy_total"
	ActiveCalls           = "relaybot_active_calls"
	GatewayMessagesTotal  = "relaybot_gateway_messages_total"
)

// LatencyBuckets suits tool handlers and backend round trips.
var LatencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Labels renders key/value pairs as a label set sorted by key, so the same
// pairs in any order address the same series.
func Labels(kv ...string) string {
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, kv[i]+`="`+labelEscaper.Replace(kv[i+1])+`"`)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ",")
}

type series interface {
	expose(w *bufio.Writer, name, labels string)
}

// family groups the series that share a metric name.
type family struct {
	help   string
	typ    string
	series map[string]series // by label set
}

// Collector is created once at startup and handed to every component that
// records into it. Series are created on first use.
type Collector struct {
	mu       sync.Mutex
	families map[string]*family
	start    time.Time
}

func New() *Collector {
	return &Collector{families: make(map[string]*family), start: time.Now()}
}

func (c *Collector) Uptime() time.Duration { return time.Since(c.start) }

// lookup returns the series name{labels}, creating it with create. Reusing a
// name with another metric type is a programming error.
func (c *Collector) lookup(name, help, typ, labels string, create func() series) series {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{help: help, typ: typ, series: make(map[string]series)}
		c.families[name] = f
	} else if f.typ != typ {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.typ, typ))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Counter only goes up.
type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Add(n int64)  { c.n.Add(n) }
func (c *Counter) Value() int64 { return c.n.Load() }

func (c *Counter) expose(w *bufio.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), c.Value())
}

func (c *Collector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, "counter", labels, func() series { return new(Counter) }).(*Counter)
}

// Gauge moves both ways.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.n.Store(v) }
func (g *Gauge) Inc()         { g.n.Add(1) }
func (g *Gauge) Dec()         { g.n.Add(-1) }
func (g *Gauge) Value() int64 { return g.n.Load() }

func (g *Gauge) expose(w *bufio.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), g.Value())
}

func (c *Collector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, "gauge", labels, func() series { return new(Gauge) }).(*Gauge)
}

// Histogram counts observations per bucket; the exposition makes the counts
// cumulative.
type Histogram struct {
	bounds []float64 // ascending upper bounds
	mu     sync.Mutex
	counts []int64 // counts[i] is for (bounds[i-1], bounds[i]]; the last slot is above every bound
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.mu.Unlock()
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) { h.Observe(time.Since(start).Seconds()) }

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for _, c := range h.counts {
		n += c
	}
	return n
}

// cumulative returns the running count at each bound followed by the total.
func (h *Histogram) cumulative() ([]int64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.counts))
	var run int64
	for i, c := range h.counts {
		run += c
		out[i] = run
	}
	return out, h.sum
}

func (h *Histogram) expose(w *bufio.Writer, name, labels string) {
	counts, sum := h.cumulative()
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	for i, b := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{%sle=\"%s\"} %d\n", name, prefix, strconv.FormatFloat(b, 'g', -1, 64), counts[i])
	}
	total := counts[len(counts)-1]
	fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_count", labels), total)
	fmt.Fprintf(w, "%s %s\n", seriesName(name+"_sum", labels), strconv.FormatFloat(sum, 'f', -1, 64))
}

// Histogram returns the series with the given upper bounds. Bounds apply when
// the series is first created.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.lookup(name, help, "histogram", labels, func() series {
		bounds := slices.Clone(buckets)
		slices.Sort(bounds)
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds)+1)}
	}).(*Histogram)
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo renders every family sorted by name, series sorted by label set.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, "# HELP relaybot_uptime_seconds Time since start in seconds\n# TYPE relaybot_uptime_seconds gauge\nrelaybot_uptime_seconds %d\n",
		int64(c.Uptime().Seconds()))

	type entry struct {
		labels string
		s      series
	}
	type view struct {
		name, help, typ string
		entries         []entry
	}
	c.mu.Lock()
	var views []view
	for _, name := range slices.Sorted(maps.Keys(c.families)) {
		f := c.families[name]
		v := view{name: name, help: f.help, typ: f.typ}
		for _, labels := range slices.Sorted(maps.Keys(f.series)) {
			v.entries = append(v.entries, entry{labels, f.series[labels]})
		}
		views = append(views, v)
	}
	c.mu.Unlock()

	for _, v := range views {
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n", v.name, v.help, v.name, v.typ)
		for _, e := range v.entries {
			e.s.expose(bw, v.name, e.labels)
		}
	}
	err := bw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
