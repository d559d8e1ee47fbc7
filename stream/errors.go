/*
errors.go - Sentinel errors for the stream package

PURPOSE:
  stream cannot import storage (see stream.go's import-cycle note), so
  the control-plane sentinels spec.md §7 names are declared here in
  stream-local form; storage/replication.go translates them into the
  storage.Err* sentinels callers actually match against with errors.Is.
*/
package stream

import "errors"

var (
	// ErrAlreadyMaster is returned by FlipToMaster when this stream
	// already holds publish authority.
	ErrAlreadyMaster = errors.New("stream: already master")

	// ErrAuthorityExternal is returned by FlipToMaster while this
	// stream's publisher token is still on loan to an external owner
	// (spec.md §9 "movable publisher token").
	ErrAuthorityExternal = errors.New("stream: publish authority held externally")

	// ErrReplayMismatch is raised when a live-subscribed record's index
	// does not immediately follow the last index this follower applied -
	// spec.md §7: "the follower aborts subscription".
	ErrReplayMismatch = errors.New("stream: replay index mismatch, subscription aborted")
)
