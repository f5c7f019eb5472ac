// Package webvfs defines the result-code vocabulary shared by every
// virtual file system backend in this module.
//
// The engine that consumes these VFSes — its SQL parser, planner,
// B-tree, and pager — is out of scope here; webvfs only carries the
// result codes of the engine's contract that a VFS implementation must
// speak. See the vfs subpackage for the operation set, open flags, and
// pathname grammar, and vfs/memvfs, vfs/idbvfs,
// and vfs/opfsvfs for the three backends.
package webvfs
