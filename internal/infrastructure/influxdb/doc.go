// Package influxdb records authentication metrics in InfluxDB.
//
// Every authentication attempt that reaches the HTTP pipeline is written as
// a point in the auth_outcomes measurement, tagged by credential scheme and
// outcome code, so dashboards can chart login failures, expired-token churn
// and refresh replay without parsing logs. Sweeper runs are recorded in
// credential_sweeps.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteAuthOutcome("bearer", "credential_expired")
//
// Writes are non-blocking and batched (batch_size, flush_interval). Async
// write errors are delivered to the SetOnError callback. Metrics are
// best-effort: a missing or slow InfluxDB never affects authentication.
package influxdb
