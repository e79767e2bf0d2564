package userland

import (
	"context"
	"errors"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
	"vkernel/internal/kernel"
)

// DefaultPath is searched for executables when PATH is unset
const DefaultPath = "/bin"

// Script returns the lines sh runs for inv: the "-c" argument when given,
// otherwise the image with its "#!" line removed
func Script(inv *kernel.Invocation) []string {
	if argv := args(inv); len(argv) >= 2 && argv[0] == "-c" {
		return strings.Split(argv[1], "\n")
	}
	body := inv.Image
	if strings.HasPrefix(strings.TrimSpace(body), "#!") {
		_, body, _ = strings.Cut(body, "\n")
	}
	return strings.Split(body, "\n")
}

type shell struct {
	sys    *Sys
	status int
}

func sh(ctx context.Context, inv *kernel.Invocation) int {
	s := &shell{sys: NewSys(ctx, inv.Client)}
	for n, line := range Script(inv) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words, err := s.expand(strings.Fields(line))
		if err != nil {
			log.Debugf("[Kernel] sh pid %d line %d: %v", inv.PID, n+1, err)
			return 1
		}
		if done := s.run(words); done {
			break
		}
		if ctx.Err() != nil {
			return s.status
		}
	}
	return s.status
}

// expand replaces $NAME words with environment values and $? with the last status
func (s *shell) expand(words []string) ([]string, error) {
	out := make([]string, 0, len(words))
	for _, w := range words {
		switch {
		case w == "$?":
			out = append(out, strconv.Itoa(s.status))
		case len(w) > 1 && w[0] == '$':
			v, err := s.sys.Getenv(w[1:])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		default:
			out = append(out, w)
		}
	}
	return out, nil
}

// run executes one command line and reports whether the script should stop
func (s *shell) run(words []string) bool {
	switch words[0] {
	case "exit":
		if len(words) > 1 {
			code, err := strconv.Atoi(words[1])
			if err != nil {
				_ = s.sys.Printf("sh: exit: %s: numeric argument required\n", words[1])
				code = 2
			}
			s.status = code
		}
		return true
	case "cd":
		dir := "/"
		if len(words) > 1 {
			dir = words[1]
		}
		s.builtin("cd", s.sys.Chdir(dir))
	case "export":
		var err error
		for _, kv := range words[1:] {
			k, v, _ := strings.Cut(kv, "=")
			if err = s.sys.Setenv(k, v); err != nil {
				break
			}
		}
		s.builtin("export", err)
	default:
		s.status = s.command(words)
	}
	return false
}

func (s *shell) builtin(name string, err error) {
	s.status = 0
	if err != nil {
		_ = s.sys.Printf("sh: %s: %v\n", name, err)
		s.status = 1
	}
}

// command runs words as a foreground child and returns its exit code
func (s *shell) command(words []string) int {
	name := words[0]
	var (
		pid int
		err error
	)
	if path, ok := s.lookPath(name); ok {
		pid, err = s.sys.Exec(path, words)
	} else {
		pid, err = s.sys.Spawn("#!"+name+"\n", words)
	}
	if err != nil {
		_ = s.sys.Printf("sh: %s: %v\n", name, err)
		if errors.Is(err, common.ErrPermissionDenied) {
			return 126
		}
		return 127
	}
	code, err := s.sys.Wait(pid, WaitConfig)
	if err != nil {
		_ = s.sys.Printf("sh: %s: %v\n", name, err)
		return 1
	}
	return code
}

// lookPath finds name as a file: directly when it contains "/", else in PATH
func (s *shell) lookPath(name string) (string, bool) {
	if strings.Contains(name, "/") {
		return name, true
	}
	path, err := s.sys.Getenv("PATH")
	if err != nil || path == "" {
		path = DefaultPath
	}
	for _, dir := range strings.Split(path, ":") {
		candidate := common.Join(dir, name)
		if st, err := s.sys.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, true
		}
	}
	return "", false
}
