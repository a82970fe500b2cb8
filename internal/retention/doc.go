// Package retention holds produced artifacts until the caller downloads them
// or they expire.
//
// A record moves from pending (the job is still processing) to stored, and
// from stored to claimed on Release. Unclaimed artifacts expire after
// UnclaimedTTL; claimed ones are deleted at once or after ClaimedGrace. The
// two durations are independent. Each blob is deleted at most once because a
// record leaves the map under the lock before its blob is touched.
package retention
