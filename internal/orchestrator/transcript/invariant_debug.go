//go:build scribedebug

package transcript

const strictInvariants = true
