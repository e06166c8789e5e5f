package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danderson/dsb"
)

type indenter struct {
	prefix  string
	midLine bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

// Write writes bs to stdout, prefixing every line with the current
// indentation.
func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if !i.midLine {
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			wr, bs = bs[:idx+1], bs[idx+1:]
			i.midLine = false
		} else {
			bs = nil
			i.midLine = true
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

// formatArgs renders bus arguments for display.
func formatArgs(a dsb.Args) string {
	if a.Signature.IsZero() {
		return "()"
	}
	vs, err := a.Values()
	if err != nil {
		return fmt.Sprintf("%s <%v>", a.Signature, err)
	}
	parts := make([]string, len(vs))
	for j, v := range vs {
		parts[j] = fmt.Sprintf("%v:%s", v.Kind(), v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
