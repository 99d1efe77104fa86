// Package password implements argon2id password hashing in PHC string
// format with constant-time verification and bounded hashing
// concurrency.
package password
