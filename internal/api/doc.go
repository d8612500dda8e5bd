// Package api serves the read-only lookup interface over the built index.
// Routes:
//   - GET / returns every issuer record keyed by CIK.
//   - GET /lookup resolves one issuer by cik, ticker or company_name and
//     optionally narrows to form_type between start_date and end_date.
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
package api
