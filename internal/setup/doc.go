// Package setup holds host-level defaults and the checks that run before and
// after a build: the pre-flight that refuses to start on a host left dirty by
// an earlier run, and the teardown that cleans such a host up.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
