// Package shell implements the toy remote shell both servers expose. It
// answers a fixed set of builtins and echoes everything else back as
// "Executing: <command>".
package shell

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// Prompt terminates every reply that keeps the session open.
	Prompt = "$ "
	// Goodbye is the final reply before the server closes a session.
	Goodbye = "Goodbye!\r\n"
	// UploadVerb starts an upload header line: "put <name> <size>".
	UploadVerb = "put"
	// HomeDir is the virtual working directory of every session.
	HomeDir = "/home/ssh"
	// UploadFailed prefixes the reply to a rejected upload.
	UploadFailed = "Upload failed"

	newline = "\r\n"
)

var (
	ErrMalformedUpload = errors.New("shell: malformed upload header")
	ErrUploadTooLarge  = errors.New("shell: upload exceeds limit")
)

// Reply is the server's answer to one command line.
type Reply struct {
	Output string
	Exit   bool
}

// Bytes returns the reply as written on the wire.
func (r Reply) Bytes() []byte {
	return []byte(r.Output)
}

// Shell holds the per-session state of one client.
type Shell struct {
	transport string
	files     map[string]int
}

// New creates a Shell for a session on the named transport ("TCP" or "UDP").
func New(transport string) *Shell {
	return &Shell{
		transport: transport,
		files:     make(map[string]int),
	}
}

// Welcome returns the banner sent when a session opens.
func (s *Shell) Welcome() string {
	return fmt.Sprintf("Welcome to SSH over %s server!%s%s",
		s.transport, newline, Prompt)
}

// Execute runs one command line and returns the reply.
func (s *Shell) Execute(line string) Reply {
	line = strings.TrimSpace(line)
	if line == "" {
		return Reply{Output: Prompt}
	}

	name, args, _ := strings.Cut(line, " ")

	switch strings.ToLower(name) {
	case "exit":
		return Reply{Output: Goodbye, Exit: true}
	case "echo":
		return s.reply(strings.TrimSpace(args))
	case "pwd":
		return s.reply(HomeDir)
	case "ls":
		return s.reply(s.listing())
	case "help":
		return s.reply("builtins: echo, exit, help, ls, put, pwd")
	default:
		return s.reply("Executing: " + line)
	}
}

// Store records an uploaded file of the given size.
func (s *Shell) Store(name string, size int) Reply {
	s.files[name] = size

	return s.reply(fmt.Sprintf("Received %s (%d bytes)", name, size))
}

// Reject answers an upload that could not be accepted.
func Reject(err error) Reply {
	return Reply{Output: UploadFailed + ": " + err.Error() + newline + Prompt}
}

// Files returns the number of files uploaded in this session.
func (s *Shell) Files() int {
	return len(s.files)
}

func (s *Shell) listing() string {
	if len(s.files) == 0 {
		return ""
	}

	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}

	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%8d %s", s.files[name], name))
	}

	return strings.Join(lines, newline)
}

func (s *Shell) reply(out string) Reply {
	if out == "" {
		return Reply{Output: Prompt}
	}

	return Reply{Output: out + newline + Prompt}
}

// UploadHeader formats the header line announcing an upload.
func UploadHeader(name string, size int) string {
	return fmt.Sprintf("%s %s %d\n", UploadVerb, name, size)
}

// ParseUpload reports whether line is an upload header and, if so, returns
// the file name and payload size. limit bounds the size; zero disables the
// check.
func ParseUpload(line string, limit int) (name string, size int, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != UploadVerb {
		return "", 0, false, nil
	}

	if len(fields) != 3 {
		return "", 0, true, ErrMalformedUpload
	}

	size, err = strconv.Atoi(fields[2])
	if err != nil || size < 0 {
		return "", 0, true, ErrMalformedUpload
	}

	if limit > 0 && size > limit {
		return "", 0, true, fmt.Errorf("%w: %d > %d", ErrUploadTooLarge, size, limit)
	}

	return fields[1], size, true, nil
}
