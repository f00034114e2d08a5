package credentials

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")

	tokens := []string{
		"eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.abc",
		"x",
		strings.Repeat("t", 2048),
	}
	for _, tok := range tokens {
		// A new store simulates a fresh process.
		if err := NewFileStore(dir).Set(RefreshTokenKey, tok); err != nil {
			t.Fatalf("Set() unexpected error: %v", err)
		}
		got, err := NewFileStore(dir).Get(RefreshTokenKey)
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}
		if got != tok {
			t.Errorf("Get() = %q, want %q", got, tok)
		}
	}

	fi, err := os.Stat(filepath.Join(dir, RefreshTokenKey))
	require.NoError(t, err)
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %v, want 0600", perm)
	}
}

func TestFileStore_Missing(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)

	if _, err := s.Get(RefreshTokenKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() on missing file error = %v, want ErrNotFound", err)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, RefreshTokenKey), []byte(" \n"), 0o600))
	if _, err := s.Get(RefreshTokenKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() on empty file error = %v, want ErrNotFound", err)
	}

	if err := s.Delete(RefreshTokenKey); err != nil {
		t.Errorf("Delete() unexpected error: %v", err)
	}
	if err := s.Delete(RefreshTokenKey); err != nil {
		t.Errorf("Delete() of missing key unexpected error: %v", err)
	}
}

func TestFileStore_NotWritable(t *testing.T) {
	dir := t.TempDir()
	// A file where the directory should be.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	err := NewFileStore(blocker).Set(RefreshTokenKey, "tok")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Errorf("Set() error = %v, want *StorageError", err)
	}
}

func TestFileStore_InvalidKey(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if err := s.Set("../escape", "v"); err == nil {
		t.Errorf("Set(../escape) want error")
	}
}

func TestPrompt(t *testing.T) {
	store := NewMemoryStore()
	var out bytes.Buffer
	p := Prompt{Store: store, Key: RefreshTokenKey, In: strings.NewReader("  secret-token \n"), Out: &out}

	got, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() unexpected error: %v", err)
	}
	if got != "secret-token" {
		t.Errorf("Token() = %q, want %q", got, "secret-token")
	}
	if n := strings.Count(out.String(), "Token: "); n != 1 {
		t.Errorf("prompted %d times, want 1", n)
	}
	saved, err := store.Get(RefreshTokenKey)
	require.NoError(t, err)
	if saved != "secret-token" {
		t.Errorf("saved token = %q, want %q", saved, "secret-token")
	}
}

func TestPrompt_Invalid(t *testing.T) {
	for _, in := range []string{"", "\n", "two words\n"} {
		store := NewMemoryStore()
		p := Prompt{Store: store, Key: RefreshTokenKey, In: strings.NewReader(in), Out: &bytes.Buffer{}}
		_, err := p.Token(context.Background())
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Token(%q) error = %v, want *ValidationError", in, err)
		}
		if _, err := store.Get(RefreshTokenKey); !errors.Is(err, ErrNotFound) {
			t.Errorf("Token(%q) stored an invalid token", in)
		}
	}
}

// countingSource counts how many times it is asked for a token.
type countingSource struct {
	token string
	calls int
}

func (c *countingSource) Token(context.Context) (string, error) {
	c.calls++
	if c.token == "" {
		return "", ErrNoToken
	}
	return c.token, nil
}

func TestChain(t *testing.T) {
	t.Setenv("TEST_ELOVERBLIK_TOKEN", "")

	store := NewMemoryStore()
	prompt := &countingSource{token: "from-prompt"}
	chain := Chain{
		Static(""),
		Env("TEST_ELOVERBLIK_TOKEN"),
		FromStore{Store: store, Key: RefreshTokenKey},
		prompt,
	}

	got, err := chain.Token(context.Background())
	require.NoError(t, err)
	if got != "from-prompt" || prompt.calls != 1 {
		t.Errorf("Token() = %q after %d prompts, want from-prompt after 1", got, prompt.calls)
	}

	require.NoError(t, store.Set(RefreshTokenKey, "from-store"))
	got, err = chain.Token(context.Background())
	require.NoError(t, err)
	if got != "from-store" || prompt.calls != 1 {
		t.Errorf("Token() = %q after %d prompts, want from-store after 1", got, prompt.calls)
	}

	t.Setenv("TEST_ELOVERBLIK_TOKEN", "from-env")
	got, err = chain.Token(context.Background())
	require.NoError(t, err)
	if got != "from-env" {
		t.Errorf("Token() = %q, want from-env", got)
	}

	if _, err := (Chain{Static("")}).Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Token() on empty chain error = %v, want ErrNoToken", err)
	}
}

func TestChain_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	chain := Chain{failingSource{boom}, Static("never")}
	if _, err := chain.Token(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Token() error = %v, want %v", err, boom)
	}
}

type failingSource struct{ err error }

func (f failingSource) Token(context.Context) (string, error) { return "", f.err }
