// Copyright 2024 vkernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"errors"
	"syscall"

	"vkernel/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	EIO       = syscall.EIO       // I/O error
	EACCES    = syscall.EACCES    // Permission denied
	EROFS     = syscall.EROFS     // Read-only file system
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
	ELOOP     = syscall.ELOOP     // Too many levels of symbolic links
	EXDEV     = syscall.EXDEV     // Cross-device link
	EBUSY     = syscall.EBUSY     // Device or resource busy
	ESTALE    = syscall.ESTALE    // Stale file handle
	ESRCH     = syscall.ESRCH     // No such process
)

var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrPathNotFound, ENOENT},
	{common.ErrNotDir, ENOTDIR},
	{common.ErrIsDir, EISDIR},
	{common.ErrSymlinkLoop, ELOOP},
	{common.ErrInvalidName, EINVAL},
	{common.ErrExists, EEXIST},
	{common.ErrNotEmpty, ENOTEMPTY},
	{common.ErrPermissionDenied, EACCES},
	{common.ErrBadArgument, EINVAL},
	{common.ErrInvalidRequest, EINVAL},
	{common.ErrMountConflict, EBUSY},
	{common.ErrNotMounted, EINVAL},
	{common.ErrReadOnly, EROFS},
	{common.ErrCrossMount, EXDEV},
	{common.ErrBadDescriptor, EBADF},
	{common.ErrNoSuchProcess, ESRCH},
	{common.ErrStaleInode, ESTALE},
}

// Errno maps a kernel error onto the closest syscall errno, for exports
// that speak POSIX (NFS). Unknown errors become EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return EIO
}
