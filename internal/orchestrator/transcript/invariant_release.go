//go:build !scribedebug

package transcript

const strictInvariants = false
