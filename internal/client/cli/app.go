// Package cli implements the interactive EnvSync client: a small REPL that
// encrypts secrets locally and drives the server's push/pull and conflict
// resolution endpoints. The master key never leaves this process.
package cli

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/envsync/envsync/internal/client/api"
	"github.com/envsync/envsync/internal/client/config"
	"github.com/envsync/envsync/internal/client/state"
	"github.com/envsync/envsync/internal/common"
)

type App struct {
	config    *config.Config
	api       *api.Client
	state     *state.State
	masterKey []byte
	userName  string
	reader    *bufio.Reader
}

func NewApp(c *config.Config) (*App, error) {

	st, err := state.Load(stateFilePath())
	if err != nil {
		return nil, err
	}

	return &App{
		config: c,
		api:    api.NewClient(c.ServerURL, c.RequestTimeout),
		state:  st,
		reader: bufio.NewReader(os.Stdin),
	}, nil
}

func stateFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".envsync", "state.json")
}

func (a *App) isLoggedIn() bool {
	return a.masterKey != nil
}

func (a *App) Logout(ctx context.Context) error {
	common.WipeByteArray(a.masterKey)
	a.masterKey = nil
	a.userName = ""
	a.api.Logout()
	return nil
}

func (a *App) Run(ctx context.Context) {
	a.Root(ctx)
	_ = a.Logout(ctx)
}
