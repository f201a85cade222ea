/*
The sync package implements the core of dirsync's synchronization algorithm:
the Operation type and the per-device OperationLog.

Each device keeps an OperationLog of the changes it needs to send to its
peer. The filesystem watcher records raw events into the log as they happen.
Recording coalesces the events so that work which cancels out between two
sync rounds never hits the network. For example, creating and then deleting
a file results in no operations at all, and moving a file then deleting it
results in a single delete of the original path.

When a sync round starts, the log is drained. Operations that were just
received from the peer (the RedundantSet) are filtered out so that changes
don't bounce back and forth between devices.

The wire format is implemented in the proto package, applying operations to
disk in the apply package, and the exchange itself in the session package.
*/
package sync
