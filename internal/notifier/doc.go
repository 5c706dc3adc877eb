// Package notifier delivers operator alerts.
//
// Alerts are short, high-signal messages: a chat session was rejected, a job
// failed for good, a manual login finished. The service queues them, sends
// them through a transport.Sender (Telegram in production) behind a token
// bucket, retries failed sends with backoff and suppresses duplicates inside
// a window. Suppression windows can be persisted in the store so a restart
// does not repeat the last burst.
//
// Watch turns dispatch bus events into alerts.
package notifier
