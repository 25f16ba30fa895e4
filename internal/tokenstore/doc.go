// Package tokenstore persists exchanged app check tokens between process runs.
//
// Two backends are available:
//   - File: JSON record on the local filesystem, atomic writes, 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// A stored Record carries the local cache expiry computed when the token was exchanged,
// so a later run serves it exactly as long as the original process would have.
package tokenstore
