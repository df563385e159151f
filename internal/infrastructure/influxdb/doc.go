// Package influxdb records ping latency history in InfluxDB.
//
// Points are buffered by the influxdb-client-go v2 write API and sent in
// batches; every point carries the site tag.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	corr := correlator.New(bus, correlator.Options{
//	    Sinks: []correlator.ResultSink{results, client},
//	})
//
// Every settled exchange becomes a ping_latency point tagged with the peer;
// batch tests add one ping_batch point with their summary.
//
// # Error Handling
//
// Writes are non-blocking; batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
