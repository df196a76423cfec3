/*
Package httpserver runs the HTTP API of the guardian recovery service.

The server mounts the routes of any number of api handlers next to the
operational endpoints:

  - /livez: liveness, always 200 while the process serves
  - /readyz: readiness, 503 while drained
  - /drain and /undrain: take the node out of and back into rotation
  - /debug/pprof: profiling, only with EnablePprof

While drained, API routes answer 503 so load balancers can move traffic
before shutdown.

Every response carries an X-Request-Id header. A valid UUID supplied by the
caller is kept, anything else is replaced. Request durations are recorded
per route pattern and status code in the
social_recovery_http_request_duration_seconds histogram, served with the
Go runtime and process collectors on the separate metrics listener.
*/
package httpserver
