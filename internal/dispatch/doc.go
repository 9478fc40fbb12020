// Package dispatch routes claimed work to a fixed pool of capability-matched
// worker slots.
//
// Jobs come from ordered sources (the pipeline queue first, then the
// maintenance stream). Each job is classified by a chain of classifiers
// whose last element always answers, and runs only once a slot in the
// chosen class is held. A job whose class is full goes straight back to its source
// and is passed over until that class frees a slot. Slot accounting
// lives in memory; the workflow sweep reconciles entries orphaned by a
// restart.
package dispatch
