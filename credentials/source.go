package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// RefreshTokenKey is the Store key of the token issued by the eloverblik.dk portal.
const RefreshTokenKey = "refresh_token"

// ErrNoToken is returned by a Source which has no token to offer.
var ErrNoToken = errors.New("no token available")

// ValidationError is returned when the user provides an invalid token.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid token: " + e.Reason }

// Source provides a token.
type Source interface {
	// Token returns ErrNoToken if the source has no token.
	Token(ctx context.Context) (string, error)
}

// Static is a token known in advance, typically from a command line flag.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if v := strings.TrimSpace(string(s)); v != "" {
		return v, nil
	}
	return "", ErrNoToken
}

// Env reads the token from an environment variable.
type Env string

func (e Env) Token(context.Context) (string, error) {
	if v := strings.TrimSpace(os.Getenv(string(e))); v != "" {
		return v, nil
	}
	return "", ErrNoToken
}

// FromStore reads the token saved under Key.
type FromStore struct {
	Store Store
	Key   string
}

func (s FromStore) Token(context.Context) (string, error) {
	v, err := s.Store.Get(s.Key)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoToken
	}
	return v, err
}

// Prompt asks the user for the token and saves it in Store under Key.
//
// When In is a terminal the input is not echoed.
type Prompt struct {
	Store Store
	Key   string
	In    io.Reader
	Out   io.Writer
}

func (p Prompt) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprintln(p.Out, "No token from eloverblik.dk saved. Paste your token here.")
	fmt.Fprint(p.Out, "Token: ")

	v, err := p.read()
	if err != nil {
		return "", fmt.Errorf("cannot read token: %w", err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", &ValidationError{Reason: "empty input"}
	}
	if strings.ContainsAny(v, " \t\r\n") {
		return "", &ValidationError{Reason: "the token cannot contain spaces"}
	}

	if err := p.Store.Set(p.Key, v); err != nil {
		return "", err
	}
	return v, nil
}

func (p Prompt) read() (string, error) {
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		// ReadPassword swallows the new line.
		fmt.Fprintln(p.Out)
		return string(b), err
	}
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err == io.EOF {
		err = nil
	}
	return line, err
}

// Chain returns the token of the first Source which has one.
type Chain []Source

func (c Chain) Token(ctx context.Context) (string, error) {
	for _, s := range c {
		v, err := s.Token(ctx)
		if errors.Is(err, ErrNoToken) {
			continue
		}
		if err != nil {
			return "", err
		}
		return v, nil
	}
	return "", ErrNoToken
}
