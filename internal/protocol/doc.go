// Package protocol owns the error taxonomy shared by the wire codec,
// shared-memory layer and client sessions.
//
// Ownership boundary:
// - error categories (Arg, NoMem, Io, Shm, Protocol, Unsupported, Timeout, NotFound, Transport)
// - wire/ flyweight codec primitives
// - schema/ message layouts for the driver and control/data-plane schemas
// - session/ timing config and request correlation
package protocol
