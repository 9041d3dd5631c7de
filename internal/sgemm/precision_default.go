//go:build !moecore_precise

package sgemm

// precise selects Kahan-compensated accumulation in the float micro-kernels.
// Build with -tags moecore_precise to enable it.
const precise = false
