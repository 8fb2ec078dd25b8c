// Package derivation models build plans: their text format, their identity
// hashing, and the paths of the outputs they produce.
//
// A derivation is stored as an ATerm file in the store. Its output paths
// follow from HashModulo, which replaces every input derivation with its own
// modulo hash. Fixed-output inputs contribute only their declared content
// hash, so changing how a source is fetched does not rebuild its users.
package derivation
