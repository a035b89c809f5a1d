// Package permission decides whether a caller's held permissions satisfy a
// required permission string.
//
// Permission strings are colon-delimited, canonically
// "{namespace}:{resource}:{action}". Three shapes are understood:
//
//	platform:audit:read   // exact
//	platform:*            // two-segment suffix wildcard, any platform:<...>
//	modules:*:execute     // segment wildcard, equal segment count
//
// Matching is a pure function of its arguments. The Registry only records
// which permissions exist; it never influences Matches.
package permission
