// Package stageexec builds the per-stage executor registry from
// configuration and wraps each executor call with structured stage logging.
package stageexec
