// Package vfs defines the data model shared by the broker, the backend
// request surface and the client request surface: triplets, lookup results,
// walk flags, status codes and backend capability flags.
//
// vfs carries no I/O and no locking of its own; it is the vocabulary that
// pkg/broker, pkg/backend and pkg/clientapi all speak.
package vfs
