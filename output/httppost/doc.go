// Package httppost provides a control interface that forwards framework
// events to an HTTP webhook.
//
// Events are collected into batches of batch_size records and POSTed as a
// JSON array of event.Record with Content-Type application/json. Partial
// batches go out every flush_interval and on shutdown. A failed request is
// retried retry_count times with quadratic backoff (100ms, 400ms, 900ms…);
// a batch that still fails is logged and dropped.
//
// Settings:
//
//   - url: webhook URL, required
//   - timeout: per request, Go duration (default 30s)
//   - retry_count: 0 to 10 (default 3)
//   - batch_size: records per request (default 50)
//   - flush_interval: Go duration (default 1s)
//   - header.<Name>: extra request header, e.g. header.Authorization
//   - categories: comma separated event categories (default all)
package httppost
