// Package storepath names store objects.
//
// A StorePath is `<hash>-<name>` where the hash part is 20 bytes printed in
// nix-base32. The hash is computed from a fingerprint that includes the
// store directory, so a Dir is needed to make or print paths. Hashes and
// content addresses live here too, because path making depends on them.
package storepath
