// Package fga filters and authorizes with relationship-based access checks
// against an OpenFGA compatible API.
//
// Filter narrows a list of items, such as retrieved documents, to the ones
// a user may access with a single batched check. Authorizer guards a tool
// invocation with one check at higher consistency.
package fga
