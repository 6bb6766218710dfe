package shm

import "fmt"

// HeaderFileName is the conventional file name of a stream's header ring.
func HeaderFileName(streamID uint32, epoch uint64) string {
	return fmt.Sprintf("tpool-%d-%d-header.shm", streamID, epoch)
}

// PoolFileName is the conventional file name of one payload pool.
func PoolFileName(streamID uint32, epoch uint64, poolID uint16) string {
	return fmt.Sprintf("tpool-%d-%d-pool-%d.shm", streamID, epoch, poolID)
}
