package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type homeKey struct{}

// WithHome returns a context carrying the resolved home directory.
func WithHome(ctx context.Context, home string) context.Context {
	return context.WithValue(ctx, homeKey{}, home)
}

// HomeFrom extracts the home directory stored by WithHome.
func HomeFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(homeKey{}).(string)
	return s, ok
}

// MustHomeFrom is HomeFrom for call sites that run after the root command
// has resolved the home. It panics when none is set.
func MustHomeFrom(ctx context.Context) string {
	h, ok := HomeFrom(ctx)
	if !ok || h == "" {
		panic("home directory not resolved")
	}
	return h
}

// ResolveHome picks the home directory: an explicit override wins, then
// the CREWMESH_HOME environment variable, then ~/.crewmesh.
func ResolveHome(override string) (string, error) {
	for _, h := range []string{override, os.Getenv("CREWMESH_HOME")} {
		if h != "" {
			return filepath.Clean(h), nil
		}
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, ".crewmesh"), nil
}
