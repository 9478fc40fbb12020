// Package llm provides an OpenRouter chat client for model-based job routing.
//
// The dispatcher uses it as the second link of its classifier chain: when no
// capability-class keyword matches a job's text, the job is described to a
// configured model with a prompt that lists the available classes and asks
// for JSON of the form {"class": "...", "reason": "...", "confidence": 0.0}.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.ClassifyJob: route a job description to a capability class.
// Client.CompleteJSON: send system/user prompts, receive JSON response.
//
// # Retry Behaviour
//
// The client retries on HTTP 408/429/5xx errors, empty choices and network
// timeouts with exponential backoff (base 1s, max 10s, up to 3 attempts by
// default). Context cancellation aborts retries immediately.
//
// # Fallback
//
// A client without an API key reports ErrUnavailable; callers fall through to
// the next classifier rather than failing the job.
package llm
