package queue

// emaAlpha is the smoothing factor for the delivery-time moving average.
const emaAlpha = 0.2

// Metrics is a point-in-time snapshot of queue activity.
type Metrics struct {
	TotalEnqueued     int64            `json:"total_enqueued"`
	TotalDelivered    int64            `json:"total_delivered"`
	TotalFailed       int64            `json:"total_failed"`
	TotalExpired      int64            `json:"total_expired"`
	QueueDepth        int              `json:"queue_depth"`
	DepthByPriority   map[Priority]int `json:"depth_by_priority"`
	PendingAck        int              `json:"pending_ack"`
	AvgDeliveryMillis float64          `json:"avg_delivery_millis"`
}

// counters are the monotonic parts of the metrics, guarded by the queue
// mutex.
type counters struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`

	// Exponential moving average of delivery time in milliseconds.
	AvgDeliveryMillis float64 `json:"avg_delivery_millis"`
	samples           int64
}

// recordDelivery folds one delivery duration into the moving average.
func (c *counters) recordDelivery(millis float64) {
	c.Delivered++
	if c.samples == 0 {
		c.AvgDeliveryMillis = millis
	} else {
		c.AvgDeliveryMillis = emaAlpha*millis + (1-emaAlpha)*c.AvgDeliveryMillis
	}
	c.samples++
}
