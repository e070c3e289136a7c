// Package model defines the operation data model shared by the engine,
// the translog and the storage backend.
//
// An [Operation] is an immutable single-document write request (index,
// delete or no-op). Every operation carries a shared header with the
// document id, sequence number, primary term and origin; the variant
// payload distinguishes the three kinds. Dispatch is done via type
// switches on [Operation.Kind], never via virtual methods.
package model
