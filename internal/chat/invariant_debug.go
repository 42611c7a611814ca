//go:build chatdebug

package chat

const strictInvariants = true
