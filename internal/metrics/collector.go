package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// ShadowCounters maps a counter name to its label sets and values.
// Label sets are encoded as sorted "name=value" pairs joined by ",".
type ShadowCounters map[string]map[string]float64

// Collector persists counters across restarts and updates system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	persisted map[string]prometheus.Collector

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector. A nil db disables
// persistence; system gauges are still updated.
func NewCollector(db *bolt.DB, m *Metrics, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketMetrics)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		persisted: map[string]prometheus.Collector{
			"notifysafe_delivery_attempts_total":    m.DeliveryAttemptsTotal,
			"notifysafe_deliveries_total":           m.DeliveriesTotal,
			"notifysafe_inbox_saved_total":          m.InboxSavedTotal,
			"notifysafe_inbox_cleaned_total":        m.InboxCleanedTotal,
			"notifysafe_audit_write_failures_total": m.AuditWriteFailuresTotal,
			"notifysafe_events_consumed_total":      m.EventsConsumedTotal,
			"notifysafe_template_edits_total":       m.TemplateEditsTotal,
		},
		stopCh: make(chan struct{}),
	}

	if db != nil {
		if err := c.loadCounters(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collectSystemMetrics()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters restores persisted counter values into the live metrics
func (c *Collector) loadCounters() error {
	var shadow ShadowCounters

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &shadow); err != nil {
			shadow = nil // skip invalid data
		}
		return nil
	})
	if err != nil {
		return err
	}

	for name, series := range shadow {
		target, ok := c.persisted[name]
		if !ok {
			continue
		}
		for key, v := range series {
			if v <= 0 {
				continue
			}
			switch m := target.(type) {
			case *prometheus.CounterVec:
				counter, err := m.GetMetricWith(decodeLabels(key))
				if err != nil {
					continue
				}
				counter.Add(v)
			case prometheus.Counter:
				m.Add(v)
			}
		}
	}
	return nil
}

// Snapshot gathers the current values of the persisted counters
func (c *Collector) Snapshot() (ShadowCounters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	shadow := make(ShadowCounters)
	for _, mf := range families {
		if _, ok := c.persisted[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		series := make(map[string]float64)
		for _, metric := range mf.GetMetric() {
			series[encodeLabels(metric.GetLabel())] = metric.GetCounter().GetValue()
		}
		shadow[mf.GetName()] = series
	}
	return shadow, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	if c.db == nil {
		return nil
	}

	shadow, err := c.Snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(shadow)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()
	system := time.NewTicker(5 * time.Second)
	defer system.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-flush.C:
			c.persistCounters()
		case <-system.C:
			c.collectSystemMetrics()
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}
}

func encodeLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func decodeLabels(key string) prometheus.Labels {
	labels := prometheus.Labels{}
	if key == "" {
		return labels
	}
	for _, part := range strings.Split(key, ",") {
		name, value, _ := strings.Cut(part, "=")
		labels[name] = value
	}
	return labels
}
