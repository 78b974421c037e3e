// Package purge removes deleted nodes and the transactions they leave behind.
//
// A run walks commit time from a start point up to now minus the minimum
// purge age, one window at a time. Each window is a single metadata
// transaction. The window starts at the configured purge size and halves
// after every failed batch; a successful batch doubles it again, never past
// the purge size. If the window would fall below a tenth of the purge size
// the purger gives up for this run and leaves its position untouched, so
// the next run resumes from the same commit time.
//
// The job lock is refreshed before every window. Losing it, or having the
// context cancelled, stops the run with an error; every other failure is
// reported as a result message.
package purge
