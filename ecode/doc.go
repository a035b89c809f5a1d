// Package ecode defines the error taxonomy shared by the interceptor chain,
// the plugin sandbox and the loader.
//
// Every failure raised by this module is an *Error carrying a Kind:
//
//	ecode.AuthenticationRequired  // no identity in context (401)
//	ecode.InsufficientPermissions // identity present, check failed (403)
//	ecode.ValidationFailed        // malformed or oversized payload (400)
//	ecode.SecurityViolation       // forbidden import or code pattern (403)
//	ecode.ResourceExceeded        // memory or execution time breach (429)
//	ecode.RateLimitExceeded       // API call budget exhausted (429)
//	ecode.PluginLoadFailed        // manifest, compatibility or init failure (422)
//
// # Matching
//
// Errors match by kind through errors.Is:
//
//	if errors.Is(err, ecode.ErrSecurityViolation) {
//	    // abort and audit
//	}
//
//	switch ecode.KindOf(err) {
//	case ecode.AuthenticationRequired:
//	    ...
//	}
//
// # Messages
//
// Public returns the text that is safe to surface to end users. Resource and
// security failures collapse to a generic message; the detailed error is only
// meant for logs and audit records.
package ecode
