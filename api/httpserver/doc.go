// Package httpserver is the HTTP server shared by the node's public API and
// the settlement relayer.
//
// BaseServer wires the standard middleware (request ids, real ip, panic
// recovery, optional CORS) and adds the operational endpoints every
// deployment expects:
//
//   - /livez: the process is up
//   - /readyz: the node accepts traffic; 503 while draining
//   - /drain and /undrain: toggle readiness ahead of a restart
//   - /debug/pprof: when EnablePprof is set
//
// Prometheus metrics are served on MetricsAddr, separate from the API
// listener. Components plug their routes in through RouteRegistrar:
//
//	api := services.NewAPI(node, cfg)
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{ListenAddr: ":8080", Log: log}, api)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
