//go:build moecore_precise

package sgemm

const precise = true
