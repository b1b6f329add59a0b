// Package coordination defines the external-config interface spec.md
// §6 names but marks out of scope ("A separate metadata-coordinator
// exposes registerBarrier/setData/unregisterBarrier...") and provides
// one reference adapter, PostgresCoordinator, against a
// memlink_server_sets table. A Cache with PreferRemoteConfig enabled
// registers a barrier per region at startup; the coordinator's commits
// replace the active server set atomically (spec.md §6, "Commits
// replace the active server set atomically").
package coordination

import "context"

// Listener receives barrier lifecycle events for one region, as named
// in spec.md §6.
type Listener interface {
	// OnInit fires once, synchronously, from RegisterBarrier: remoteBytes
	// is the server-list blob currently stored at path (possibly the
	// caller's own localBytes, if this is the first registrant for
	// region). If PreferRemoteConfig is true and remoteBytes is empty,
	// the caller must fail startup (spec.md §6).
	OnInit(region, path string, remoteBytes []byte) error

	// OnCommit fires every time another registrant (or an operator)
	// calls SetData for this region's path, with the new bytes.
	OnCommit(region, path string, newBytes []byte) error

	// OnDestroy fires when UnregisterBarrier is called for region.
	OnDestroy(region string)
}

// Coordinator is the external metadata-coordinator interface named in
// spec.md §6. It is a collaborator this repo does not own the
// implementation of in production — PostgresCoordinator below is one
// concrete, optional adapter.
type Coordinator interface {
	// RegisterBarrier joins region's coordination group, seeding it with
	// localBytes if no data exists yet, and returns the path future
	// SetData calls target. listener.OnInit is invoked before this
	// method returns.
	RegisterBarrier(ctx context.Context, region string, listener Listener, localBytes []byte) (dataPath string, err error)

	// SetData replaces the bytes stored at path, triggering OnCommit on
	// every other registrant's listener for the owning region.
	SetData(ctx context.Context, path string, bytes []byte) error

	// UnregisterBarrier leaves region's coordination group, invoking
	// OnDestroy on this registrant's own listener.
	UnregisterBarrier(ctx context.Context, region string) error
}
