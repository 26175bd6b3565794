// Package setup checks that the host can run a build.
//
// It resolves the external tools a build depends on before any disk is
// created. This is the only package allowed to use a package-level logger.
package setup
