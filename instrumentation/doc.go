// Package instrumentation provides OpenTelemetry metrics and tracing for the
// token-issuance pipeline. When disabled it swaps in no-op providers so the
// instrumented code paths cost nothing.
package instrumentation
