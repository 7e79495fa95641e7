// Command memflowd runs the memflow memory engine as a long-lived
// process: it assembles the store, retrieval engines, and background
// decay job from configuration, and serves health and Prometheus
// metrics endpoints.
//
// Usage:
//
//	memflowd serve                        # start the daemon
//	memflowd serve --config config.yaml   # with a config file
//	memflowd version                      # print version info
//	memflowd health                       # probe a running daemon
package main
