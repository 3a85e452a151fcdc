// Package strategy holds the five pluggable decisions of a diffusion protocol.
//
// Each role is a small interface with a closed set of implementations:
//
//   - Selection: which pieces a user sends, and to whom
//   - Propagation: which selected candidates are actually delivered
//   - Sight: which delivered pieces the recipient perceives
//   - Update: how deliveries are folded into the recipient's state
//   - Expiration: when an active piece stops being eligible
//
// Selection, Propagation and Sight are pure functions of a read-only View and
// an explicit random stream, so they can be evaluated for different users in
// parallel. Update is the only role that mutates state.
package strategy
