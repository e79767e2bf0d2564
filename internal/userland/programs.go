package userland

import (
	"context"
	"strings"

	"vkernel/internal/kernel"
	"vkernel/internal/util"
)

// WaitConfig is how long sh waits on a foreground child, and how often it polls
var WaitConfig = util.ExitPollConfig()

// Programs maps program names to their bodies
var Programs = map[string]kernel.Program{
	"true":  func(context.Context, *kernel.Invocation) int { return 0 },
	"false": func(context.Context, *kernel.Invocation) int { return 1 },
	"echo":  echo,
	"cat":   cat,
	"write": write,
	"mkdir": mkdir,
	"ls":    ls,
	"sh":    sh,
}

// Register installs every program into f
func Register(f *kernel.GoroutineFactory) {
	for name, p := range Programs {
		f.Register(name, p)
	}
}

func args(inv *kernel.Invocation) []string {
	if len(inv.Argv) == 0 {
		return nil
	}
	return inv.Argv[1:]
}

// flag strips a leading flag from argv
func flag(argv []string, name string) ([]string, bool) {
	if len(argv) > 0 && argv[0] == name {
		return argv[1:], true
	}
	return argv, false
}

func echo(ctx context.Context, inv *kernel.Invocation) int {
	argv, noNewline := flag(args(inv), "-n")
	text := strings.Join(argv, " ")
	if !noNewline {
		text += "\n"
	}
	if err := NewSys(ctx, inv.Client).Printf("%s", text); err != nil {
		return 1
	}
	return 0
}

func cat(ctx context.Context, inv *kernel.Invocation) int {
	sys := NewSys(ctx, inv.Client)
	argv := args(inv)
	if len(argv) == 0 {
		_ = sys.Printf("cat: missing operand\n")
		return 2
	}
	code := 0
	for _, path := range argv {
		data, err := sys.ReadFile(path)
		if err != nil {
			_ = sys.Printf("cat: %s: %v\n", path, err)
			code = 1
			continue
		}
		if err := sys.Printf("%s", data); err != nil {
			return 1
		}
	}
	return code
}

// write [-a] PATH TEXT...
func write(ctx context.Context, inv *kernel.Invocation) int {
	sys := NewSys(ctx, inv.Client)
	argv, appendMode := flag(args(inv), "-a")
	if len(argv) == 0 {
		_ = sys.Printf("write: missing path\n")
		return 2
	}
	text := strings.Join(argv[1:], " ") + "\n"
	if err := sys.WriteFile(argv[0], text, appendMode); err != nil {
		_ = sys.Printf("write: %s: %v\n", argv[0], err)
		return 1
	}
	return 0
}

// mkdir [-p] PATH...
func mkdir(ctx context.Context, inv *kernel.Invocation) int {
	sys := NewSys(ctx, inv.Client)
	argv, parents := flag(args(inv), "-p")
	if len(argv) == 0 {
		_ = sys.Printf("mkdir: missing operand\n")
		return 2
	}
	code := 0
	for _, path := range argv {
		if err := sys.Mkdir(path, parents); err != nil {
			_ = sys.Printf("mkdir: %s: %v\n", path, err)
			code = 1
		}
	}
	return code
}

func ls(ctx context.Context, inv *kernel.Invocation) int {
	sys := NewSys(ctx, inv.Client)
	argv := args(inv)
	if len(argv) == 0 {
		argv = []string{"."}
	}
	code := 0
	for _, path := range argv {
		st, err := sys.Stat(path)
		if err != nil {
			_ = sys.Printf("ls: %s: %v\n", path, err)
			code = 1
			continue
		}
		if !st.IsDir() {
			_ = sys.Printf("%s\n", path)
			continue
		}
		names, err := sys.Readdir(path)
		if err != nil {
			_ = sys.Printf("ls: %s: %v\n", path, err)
			code = 1
			continue
		}
		if len(argv) > 1 {
			_ = sys.Printf("%s:\n", path)
		}
		for _, name := range names {
			_ = sys.Printf("%s\n", name)
		}
	}
	return code
}
