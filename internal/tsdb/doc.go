// Package tsdb streams supervision transitions to InfluxDB.
//
// Each daemon broadcast becomes one point in the configured bucket, tagged
// with the source and event name, so dashboards can chart restart churn
// and failure rates over time. Writes are batched and non-blocking; a lost
// InfluxDB connection degrades to logged write errors and never disturbs
// supervision itself.
package tsdb
