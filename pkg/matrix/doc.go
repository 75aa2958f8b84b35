// Package matrix expands effective pinning sets into the ordered list of
// build configurations of a render pass.
//
// For each platform the space is constrained by the recipe's version bounds,
// restricted to the axes the recipe uses and expanded into the Cartesian
// product of independent axes and zip-group tuples. Every configuration gets
// a down-priority score, a canonical name built from the axes that vary, and
// a short name when the canonical name exceeds the provider's limit.
// Identical consequential assignments collapse to the preferred build.
//
// The result depends only on the inputs: no map iteration order, clock or
// randomness leaks into it, and Fingerprint gives a stable digest of it.
package matrix
