// Package middleware adapts HTTP semantics to Engine calls: it reads
// the Authorization header, calls Engine.Authenticate, and injects the
// resulting identity into the request context. It makes no
// authorization decisions of its own beyond delegating to
// keygate.Check.
package middleware
