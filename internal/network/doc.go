// Package network provides the immutable network snapshot a diffusion run
// operates on.
//
// A Snapshot stores users and information pieces in dense arenas addressed by
// int32 index, together with sorted adjacency lists. Nothing in a Snapshot
// changes after Build returns, so it is safe to share between goroutines and
// between runs.
//
// Main Types:
//   - Snapshot: users, pieces and adjacency of one network
//   - Builder: incremental construction with duplicate and dangling checks
//   - Orientation: which neighbor list (out, in, undirected) a strategy reads
//
// Usage:
//
//	snap, err := network.Load("network.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, v := range snap.Neighbors(0, network.Out) {
//	    // ...
//	}
package network
