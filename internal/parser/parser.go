// Package parser builds a wireguard.Device from a configuration file or
// from command-line arguments.
package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/yourorg/wgconf/internal/resolve"
)

var (
	ErrUnknownKey       = errors.New("unknown key")
	ErrNoSection        = errors.New("key outside of [Interface] or [Peer]")
	ErrMalformedLine    = errors.New("line is not Key=Value")
	ErrInvalidValue     = errors.New("invalid value")
	ErrMissingPublicKey = errors.New("peer is missing a public key")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Error reports where parsing failed. Line is 1-based for file input and
// zero for command-line input.
type Error struct {
	Line int
	Text string
	Err  error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %q: %v", e.Line, e.Text, e.Err)
	}
	if e.Text != "" {
		return fmt.Sprintf("%q: %v", e.Text, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Parser holds what both grammars need from the outside world. The zero
// value resolves endpoints with the default policy, reads "-" key files
// from os.Stdin and logs to slog.Default().
type Parser struct {
	Resolver *resolve.Resolver
	Logger   *slog.Logger
	Stdin    io.Reader
}

func (p *Parser) resolver() *resolve.Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return resolve.New(resolve.DefaultPolicy())
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Parser) stdin() io.Reader {
	if p.Stdin != nil {
		return p.Stdin
	}
	return os.Stdin
}
