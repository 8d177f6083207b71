// Package debugsrv runs the optional debug HTTP server: net/http/pprof plus
// JSON views of the scheduler, the worker pool and stored run history.
package debugsrv
