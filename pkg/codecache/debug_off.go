//go:build !tiercore_debug

package codecache

const debugInvariants = false
