// Package secrets provides secret detection and redaction.
//
// All captured command output passes through scrubbing before it is
// embedded in reports or stored in the provenance blob store, so a test
// run that prints a credential never persists it. Metrics are preserved
// (rule IDs, counts) while the sensitive content is redacted.
package secrets
