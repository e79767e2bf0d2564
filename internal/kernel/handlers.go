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

package kernel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"

	"github.com/zeebo/blake3"

	"vkernel/internal/common"
	"vkernel/internal/ofs"
	"vkernel/internal/syscalls"
	"vkernel/internal/vfs"
)

type handler = syscalls.Handler[*Process]

func (k *Kernel) registerHandlers() {
	for name, h := range map[string]handler{
		// descriptors
		"open":  k.sysOpen,
		"close": k.sysClose,
		"read":  k.sysRead,
		"write": k.sysWrite,
		"dup":   k.sysDup,
		"dup2":  k.sysDup2,

		// namespace
		"stat":     k.sysStat,
		"readdir":  k.sysReaddir,
		"mkdir":    k.sysMkdir,
		"touch":    k.sysTouch,
		"unlink":   k.sysUnlink,
		"link":     k.sysLink,
		"symlink":  k.sysSymlink,
		"readlink": k.sysReadlink,
		"chmod":    k.sysChmod,

		// process state
		"chdir":   k.sysChdir,
		"getcwd":  k.sysGetcwd,
		"getenv":  k.sysGetenv,
		"setenv":  k.sysSetenv,
		"environ": k.sysEnviron,
		"getpid":  k.sysGetpid,

		// lifecycle
		"spawn": k.sysSpawn,
		"exec":  k.sysExec,
		"exit":  k.sysExit,
		"wait":  k.sysWait,
		"kill":  k.sysKill,
		"ps":    k.sysPs,

		// mounts
		"mount":   k.sysMount,
		"unmount": k.sysUnmount,
		"mounts":  k.sysMounts,
		"gc":      k.sysGC,

		"console": k.sysConsole,
	} {
		k.dispatcher.Register(name, h)
	}
}

// --- descriptors ---

func (k *Kernel) sysOpen(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 2); err != nil {
		return nil, err
	}
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	mode, err := args.StringOr(1, "r")
	if err != nil {
		return nil, err
	}
	return p.Open(path, mode)
}

func fdArg(args syscalls.Args, n int) (int, error) {
	if err := args.Want(n, n); err != nil {
		return 0, err
	}
	return args.Int(0)
}

func (k *Kernel) sysClose(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	fd, err := fdArg(args, 1)
	if err != nil {
		return nil, err
	}
	return nil, p.Close(fd)
}

func (k *Kernel) sysRead(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	fd, err := fdArg(args, 1)
	if err != nil {
		return nil, err
	}
	return p.Read(fd)
}

func (k *Kernel) sysWrite(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	fd, err := fdArg(args, 2)
	if err != nil {
		return nil, err
	}
	data, err := args.String(1)
	if err != nil {
		return nil, err
	}
	if err := p.Write(fd, data); err != nil {
		return nil, err
	}
	return len(data), nil
}

func (k *Kernel) sysDup(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	fd, err := fdArg(args, 1)
	if err != nil {
		return nil, err
	}
	return p.Dup(fd)
}

func (k *Kernel) sysDup2(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	fd, err := fdArg(args, 2)
	if err != nil {
		return nil, err
	}
	target, err := args.Int(1)
	if err != nil {
		return nil, err
	}
	return p.Dup2(fd, target)
}

// --- namespace ---

func pathArg(p *Process, args syscalls.Args, min, max int) (string, error) {
	if err := args.Want(min, max); err != nil {
		return "", err
	}
	path, err := args.String(0)
	if err != nil {
		return "", err
	}
	return p.Abs(path), nil
}

// StatEntry returns the attributes of e, with a content digest for readable files
func StatEntry(e *vfs.Entry) (*vfs.Stat, error) {
	st, err := e.Stat()
	if err != nil {
		return nil, err
	}
	if e.Kind() == vfs.KindFile && st.Perms.Read {
		data, err := e.Data()
		if err != nil {
			return nil, err
		}
		sum := blake3.Sum256([]byte(data))
		st.Digest = hex.EncodeToString(sum[:])
	}
	return st, nil
}

func (k *Kernel) sysStat(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 1, 2)
	if err != nil {
		return nil, err
	}
	follow := true
	if args.Len() > 1 {
		if follow, err = args.Bool(1); err != nil {
			return nil, err
		}
	}
	var e *vfs.Entry
	if follow {
		e, err = k.fs.Resolve(path)
	} else {
		e, err = k.fs.Lresolve(path)
	}
	if err != nil {
		return nil, err
	}
	return StatEntry(e)
}

func (k *Kernel) sysReaddir(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 1); err != nil {
		return nil, err
	}
	path, err := args.StringOr(0, ".")
	if err != nil {
		return nil, err
	}
	e, err := k.fs.Resolve(p.Abs(path))
	if err != nil {
		return nil, err
	}
	return e.ListChildren()
}

// MkdirAll creates path and any missing parents
func MkdirAll(fs *vfs.VFS, path string) error {
	for _, prefix := range common.Prefixes(path) {
		e, err := fs.Resolve(prefix)
		switch {
		case err == nil:
			if e.Kind() != vfs.KindDirectory {
				return fmt.Errorf("%w: %s", common.ErrNotDir, prefix)
			}
		case errors.Is(err, common.ErrPathNotFound):
			if _, err := fs.Mkdir(prefix); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func (k *Kernel) sysMkdir(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 1, 2)
	if err != nil {
		return nil, err
	}
	parents := false
	if args.Len() > 1 {
		if parents, err = args.Bool(1); err != nil {
			return nil, err
		}
	}
	if parents {
		return nil, MkdirAll(k.fs, path)
	}
	_, err = k.fs.Mkdir(path)
	return nil, err
}

func (k *Kernel) sysTouch(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 1, 1)
	if err != nil {
		return nil, err
	}
	if _, err := k.fs.Resolve(path); err == nil {
		return nil, nil
	}
	_, err = k.fs.Touch(path)
	return nil, err
}

func (k *Kernel) sysUnlink(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 1, 1)
	if err != nil {
		return nil, err
	}
	return nil, k.fs.Remove(path)
}

func (k *Kernel) sysLink(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	oldPath, err := pathArg(p, args, 2, 2)
	if err != nil {
		return nil, err
	}
	newPath, err := args.String(1)
	if err != nil {
		return nil, err
	}
	return nil, k.fs.Link(oldPath, p.Abs(newPath))
}

func (k *Kernel) sysSymlink(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(2, 2); err != nil {
		return nil, err
	}
	target, err := args.String(0)
	if err != nil {
		return nil, err
	}
	path, err := args.String(1)
	if err != nil {
		return nil, err
	}
	return nil, k.fs.Symlink(p.Abs(target), p.Abs(path))
}

func (k *Kernel) sysReadlink(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 1, 1)
	if err != nil {
		return nil, err
	}
	e, err := k.fs.Lresolve(path)
	if err != nil {
		return nil, err
	}
	if e.Kind() != vfs.KindSymlink {
		return nil, fmt.Errorf("%w: %s is not a symlink", common.ErrBadArgument, path)
	}
	st, err := e.Stat()
	if err != nil {
		return nil, err
	}
	return st.Target, nil
}

func (k *Kernel) sysChmod(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 2, 2)
	if err != nil {
		return nil, err
	}
	mode, err := args.String(1)
	if err != nil {
		return nil, err
	}
	perms, err := ofs.ParsePerms(mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBadArgument, err)
	}
	return nil, k.fs.Chmod(path, perms)
}

// --- process state ---

func (k *Kernel) sysChdir(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 1); err != nil {
		return nil, err
	}
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return nil, p.Chdir(path)
}

func (k *Kernel) sysGetcwd(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 0); err != nil {
		return nil, err
	}
	return p.Getcwd(), nil
}

func (k *Kernel) sysGetenv(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 1); err != nil {
		return nil, err
	}
	key, err := args.String(0)
	if err != nil {
		return nil, err
	}
	if v, ok := p.Getenv(key); ok {
		return v, nil
	}
	return nil, nil
}

func (k *Kernel) sysSetenv(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(2, 2); err != nil {
		return nil, err
	}
	key, err := args.String(0)
	if err != nil {
		return nil, err
	}
	value, err := args.String(1)
	if err != nil {
		return nil, err
	}
	return nil, p.Setenv(key, value)
}

func (k *Kernel) sysEnviron(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 0); err != nil {
		return nil, err
	}
	return p.Environ(), nil
}

func (k *Kernel) sysGetpid(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 0); err != nil {
		return nil, err
	}
	return p.PID, nil
}

// --- lifecycle ---

// childOptions decodes optional spawn options at index i, inheriting cwd and env from p
func childOptions(p *Process, args syscalls.Args, i int) (SpawnOptions, error) {
	var opts SpawnOptions
	if i < args.Len() {
		if err := args.Decode(i, &opts); err != nil {
			return opts, err
		}
	}
	opts.PPID = p.PID
	if opts.Cwd == "" {
		opts.Cwd = p.Getcwd()
	} else {
		opts.Cwd = p.Abs(opts.Cwd)
	}
	env := p.Environ()
	maps.Copy(env, opts.Env)
	opts.Env = env
	return opts, nil
}

func (k *Kernel) sysSpawn(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 3); err != nil {
		return nil, err
	}
	image, err := args.String(0)
	if err != nil {
		return nil, err
	}
	argv, err := args.StringsOr(1, nil)
	if err != nil {
		return nil, err
	}
	opts, err := childOptions(p, args, 2)
	if err != nil {
		return nil, err
	}
	return k.Spawn(image, argv, opts)
}

func (k *Kernel) sysExec(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 3); err != nil {
		return nil, err
	}
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	argv, err := args.StringsOr(1, nil)
	if err != nil {
		return nil, err
	}
	opts, err := childOptions(p, args, 2)
	if err != nil {
		return nil, err
	}
	return k.Exec(path, argv, opts)
}

func (k *Kernel) sysExit(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 1); err != nil {
		return nil, err
	}
	code, err := args.IntOr(0, 0)
	if err != nil {
		return nil, err
	}
	return nil, k.Exit(p.PID, code)
}

func (k *Kernel) sysWait(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	pid, err := fdArg(args, 1)
	if err != nil {
		return nil, err
	}
	return k.Wait(p.PID, pid)
}

func (k *Kernel) sysKill(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 2); err != nil {
		return nil, err
	}
	pid, err := args.Int(0)
	if err != nil {
		return nil, err
	}
	code, err := args.IntOr(1, 137)
	if err != nil {
		return nil, err
	}
	return nil, k.Exit(pid, code)
}

func (k *Kernel) sysPs(_ context.Context, _ *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 0); err != nil {
		return nil, err
	}
	procs := k.procs.List()
	out := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		out = append(out, proc.Info())
	}
	return out, nil
}

// --- mounts ---

func (k *Kernel) sysMount(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	if err := args.Want(2, 3); err != nil {
		return nil, err
	}
	kind, err := args.String(0)
	if err != nil {
		return nil, err
	}
	path, err := args.String(1)
	if err != nil {
		return nil, err
	}
	source, err := args.StringOr(2, "")
	if err != nil {
		return nil, err
	}
	return nil, k.Mount(kind, source, p.Abs(path))
}

func (k *Kernel) sysUnmount(_ context.Context, p *Process, args syscalls.Args) (any, error) {
	path, err := pathArg(p, args, 1, 1)
	if err != nil {
		return nil, err
	}
	return nil, k.Unmount(path)
}

func (k *Kernel) sysMounts(_ context.Context, _ *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 0); err != nil {
		return nil, err
	}
	return k.fs.Mounts(), nil
}

func (k *Kernel) sysGC(_ context.Context, _ *Process, args syscalls.Args) (any, error) {
	if err := args.Want(0, 0); err != nil {
		return nil, err
	}
	return map[string]int{"freed": k.Reclaim()}, nil
}

func (k *Kernel) sysConsole(_ context.Context, _ *Process, args syscalls.Args) (any, error) {
	if err := args.Want(1, 1); err != nil {
		return nil, err
	}
	text, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return k.WriteConsole(text)
}
