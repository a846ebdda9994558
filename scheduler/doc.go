// Package scheduler runs the recurring checks of pending CIBA
// authorizations.
//
// A Task is scheduled once per pending authorization and cancelled when
// the authorization resolves. Two Scheduler implementations are provided:
// InProcess runs tasks on goroutines of the current process, and Remote
// hands them to a schedule service over HTTP. Server exposes an InProcess
// scheduler as that service.
package scheduler
