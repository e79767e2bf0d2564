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

package common

import "errors"

var (
	ErrPathNotFound     = errors.New("path not found")
	ErrNotDir           = errors.New("not a directory")
	ErrIsDir            = errors.New("is a directory")
	ErrSymlinkLoop      = errors.New("too many levels of symbolic links")
	ErrInvalidName      = errors.New("invalid name")
	ErrExists           = errors.New("already exists")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBadArgument      = errors.New("bad argument")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrMountConflict    = errors.New("mount point is not a directory")
	ErrNotMounted       = errors.New("not mounted")
	ErrReadOnly         = errors.New("read-only filesystem")
	ErrCrossMount       = errors.New("cross-mount link")
	ErrBadDescriptor    = errors.New("bad file descriptor")
	ErrNoSuchProcess    = errors.New("no such process")
	ErrStaleInode       = errors.New("stale inode reference")
	ErrAbandoned        = errors.New("call abandoned")
	ErrInternal         = errors.New("internal error")
)

// Wire reason codes carried in error responses.
const (
	CodePathNotFound     = "PathNotFound"
	CodeNotADirectory    = "NotADirectory"
	CodeIsADirectory     = "IsADirectory"
	CodeSymlinkLoop      = "SymlinkLoopExceeded"
	CodeInvalidName      = "InvalidName"
	CodeExists           = "Exists"
	CodeNotEmpty         = "NotEmpty"
	CodePermissionDenied = "PermissionDenied"
	CodeBadArgument      = "BadArgument"
	CodeInvalidRequest   = "InvalidRequest"
	CodeMountConflict    = "MountConflict"
	CodeNotMounted       = "NotMounted"
	CodeReadOnly         = "ReadOnly"
	CodeCrossMount       = "CrossMount"
	CodeBadDescriptor    = "BadDescriptor"
	CodeNoSuchProcess    = "NoSuchProcess"
	CodeStaleInode       = "StaleInode"
	CodeAbandoned        = "Abandoned"
	CodeInternal         = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrPathNotFound, CodePathNotFound},
	{ErrNotDir, CodeNotADirectory},
	{ErrIsDir, CodeIsADirectory},
	{ErrSymlinkLoop, CodeSymlinkLoop},
	{ErrInvalidName, CodeInvalidName},
	{ErrExists, CodeExists},
	{ErrNotEmpty, CodeNotEmpty},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrBadArgument, CodeBadArgument},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrMountConflict, CodeMountConflict},
	{ErrNotMounted, CodeNotMounted},
	{ErrReadOnly, CodeReadOnly},
	{ErrCrossMount, CodeCrossMount},
	{ErrBadDescriptor, CodeBadDescriptor},
	{ErrNoSuchProcess, CodeNoSuchProcess},
	{ErrStaleInode, CodeStaleInode},
	{ErrAbandoned, CodeAbandoned},
	{ErrInternal, CodeInternal},
}

// Code returns the wire reason for err. Errors outside the taxonomy map to CodeInternal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode returns the sentinel error for a wire reason, or ErrInternal if the code is unknown.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return ErrInternal
}
