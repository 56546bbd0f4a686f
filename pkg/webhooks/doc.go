// Package webhooks delivers audit alerts to an operator webhook.
//
// # Overview
//
// Sender implements audit.Observer. Registered on an audit.Notifier, it
// receives the high-significance events (key rotation, account lockout,
// detected threats, two-factor changes) and POSTs each one as JSON. Server
// errors, 429s and network failures are retried with exponential backoff;
// other 4xx responses are not.
//
// # Headers
//
//	X-Warden-Event      event type, e.g. ACCOUNT_LOCKED
//	X-Warden-Event-ID   audit event ID
//	X-Warden-Delivery   delivery time, RFC 3339
//	X-Warden-Signature  sha256=<hex HMAC of the body>, when a secret is set
//
// # Usage Example
//
//	sender, err := webhooks.NewSender(webhooks.Config{
//		URL:    "https://alerts.example.com/warden",
//		Secret: os.Getenv("WARDEN_ALERT_WEBHOOK_SECRET"),
//	})
//	notifier := audit.NewNotifier(audit.NotifierConfig{}, sender)
//
// Receivers check the signature with VerifySignature.
package webhooks
