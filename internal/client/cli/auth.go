package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/cryptox"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// Register prompts for a username and password and creates an account. The
// server receives only the salt and a key verifier; the password and the
// derived master key stay local.
func (a *App) Register(ctx context.Context) error {
	userName, err := getSimpleText(a.reader, "Enter username", os.Stdout)
	if err != nil {
		return err
	}

	password, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	salt := cryptox.GenerateSalt()
	masterKey := cryptox.DeriveKey(password, salt)
	defer common.WipeByteArray(masterKey)
	verifier := cryptox.MakeVerifier(masterKey)

	if err := a.api.Register(ctx, userName, salt, verifier); err != nil {
		return err
	}

	fmt.Println("Success!")
	return nil
}

// Login fetches the account salt, re-derives the master key from the
// password, and authenticates with the key verifier.
func (a *App) Login(ctx context.Context) error {
	userName, err := getSimpleText(a.reader, "Enter username", os.Stdout)
	if err != nil {
		return err
	}

	password, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	salt, err := a.api.GetSalt(ctx, userName)
	if err != nil {
		return err
	}

	masterKey := cryptox.DeriveKey(password, salt)
	verifier := cryptox.MakeVerifier(masterKey)

	if err := a.api.Login(ctx, userName, verifier); err != nil {
		common.WipeByteArray(masterKey)
		return err
	}

	a.masterKey = masterKey
	a.userName = userName
	fmt.Println("Logged in.")
	return nil
}
