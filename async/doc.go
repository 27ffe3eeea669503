// Package async holds suspended executions waiting on asynchronous host
// calls.
//
// Suspending stores a snapshot of the caller's frames together with the
// pending host call and the borrow handles those frames hold, and returns a
// Token. A token is single-use: Resume and Cancel both consume it, and any
// later use fails with an InvalidToken error. Tokens are never reused.
//
// Cancel releases exactly the borrows recorded at suspension through the
// resource table before the continuation is discarded.
package async
