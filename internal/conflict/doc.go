// Package conflict resolves "resource busy" collisions between stage calls.
//
// When a stage worker reports that another operation holds the resource it
// needs, the Resolver polls a status endpoint for that operation at a fixed
// interval until it reaches a terminal state, then re-invokes the stage
// exactly once. The wait is bounded by a ceiling and aborts as soon as the
// owning task is cancelled. Time is read through an injectable Clock so the
// loop can be driven deterministically in tests.
package conflict
