package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementAuthOutcomes     = "auth_outcomes"
	MeasurementCredentialSweeps = "credential_sweeps"
)

// OutcomeSuccess is the outcome tag for a successful authentication.
const OutcomeSuccess = "ok"

// WriteAuthOutcome records one authentication attempt. scheme is the
// credential scheme ("bearer", "api_key", "password", "refresh") and outcome
// is OutcomeSuccess or the error code returned to the client.
func (c *Client) WriteAuthOutcome(scheme, outcome string) {
	if scheme == "" {
		scheme = "none"
	}
	c.WritePoint(MeasurementAuthOutcomes,
		map[string]string{
			"scheme":  scheme,
			"outcome": outcome,
		},
		map[string]any{
			"count": 1,
		},
	)
}

// WriteSweepResult records how many expired credentials a sweep removed.
func (c *Client) WriteSweepResult(refreshTokens, apiKeys int64) {
	c.WritePoint(MeasurementCredentialSweeps,
		nil,
		map[string]any{
			"refresh_tokens": refreshTokens,
			"api_keys":       apiKeys,
		},
	)
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if c.closed.Load() {
		return
	}
	c.points.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
