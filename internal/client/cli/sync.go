package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/envsync/envsync/internal/client/api"
	"github.com/envsync/envsync/internal/cryptox"
)

// Push encrypts a local file and uploads it as the next version of an
// entity. On a conflict the server's conflict id is printed so the user can
// inspect both sides and resolve.
func (a *App) Push(ctx context.Context) error {
	entityType, err := getSimpleText(a.reader, "Entity type (e.g. env)", os.Stdout)
	if err != nil {
		return err
	}
	entityID, err := getSimpleText(a.reader, "Entity id", os.Stdout)
	if err != nil {
		return err
	}
	fileName, err := getSimpleText(a.reader, "File to push", os.Stdout)
	if err != nil {
		return err
	}

	plaintext, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}

	payload, err := cryptox.EncryptPayload(plaintext, a.masterKey)
	if err != nil {
		return err
	}
	checksum := cryptox.Checksum([]byte(payload))
	version := a.state.Version(entityType, entityID) + 1

	out, err := a.api.Push(ctx, entityType, entityID, payload, version, checksum)
	if err != nil {
		var conflict *api.ConflictError
		if errors.As(err, &conflict) {
			fmt.Printf("Conflict detected (id %s). Run 'conflicts' to inspect and 'resolve' to settle it.\n", conflict.ConflictID)
			return nil
		}
		return err
	}

	a.state.Set(entityType, entityID, out.Version, checksum)
	if err := a.state.Save(); err != nil {
		return err
	}
	fmt.Printf("Pushed %s/%s at version %d\n", entityType, entityID, out.Version)
	return nil
}

// Pull fetches newer payloads for all tracked entities, decrypts them, and
// writes each to a file named <type>.<id>.
func (a *App) Pull(ctx context.Context) error {
	tracked := a.state.List()
	if len(tracked) == 0 {
		fmt.Println("No tracked entities. Push something first.")
		return nil
	}

	entities := make([]api.PullEntity, 0, len(tracked))
	for _, ref := range tracked {
		entities = append(entities, api.PullEntity{
			Type:    ref[0],
			ID:      ref[1],
			Version: a.state.Version(ref[0], ref[1]),
		})
	}

	updates, err := a.api.Pull(ctx, entities)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		fmt.Println("Everything up to date.")
		return nil
	}

	for _, u := range updates {
		plaintext, err := cryptox.DecryptPayload(u.Payload, a.masterKey)
		if err != nil {
			fmt.Printf("%s/%s: decryption failed: %s\n", u.Type, u.ID, err.Error())
			continue
		}
		outFile := fmt.Sprintf("%s.%s", u.Type, u.ID)
		if err := os.WriteFile(outFile, plaintext, 0o600); err != nil {
			return err
		}
		a.state.Set(u.Type, u.ID, u.Version, cryptox.Checksum([]byte(u.Payload)))
		fmt.Printf("Pulled %s/%s version %d -> %s\n", u.Type, u.ID, u.Version, outFile)
	}
	return a.state.Save()
}

// Conflicts lists pending conflicts with both encrypted sides decrypted for
// inspection.
func (a *App) Conflicts(ctx context.Context) error {
	conflicts, err := a.api.ListConflicts(ctx)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No pending conflicts.")
		return nil
	}

	for _, c := range conflicts {
		fmt.Printf("%s  %s/%s  detected %s\n", c.ID, c.EntityType, c.EntityID, c.Local.DetectedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  local:  %s\n", a.decryptForDisplay(c.Local.Payload))
		fmt.Printf("  remote: %s\n", a.decryptForDisplay(c.Remote.Payload))
	}
	return nil
}

func (a *App) decryptForDisplay(payload string) string {
	if payload == "" {
		return "(empty)"
	}
	plaintext, err := cryptox.DecryptPayload(payload, a.masterKey)
	if err != nil {
		return "(cannot decrypt: " + err.Error() + ")"
	}
	return string(plaintext)
}

// Resolve settles a pending conflict. For a merged resolution the user
// supplies a file with the merged plaintext, which is encrypted locally
// before upload.
func (a *App) Resolve(ctx context.Context) error {
	conflictID, err := getSimpleText(a.reader, "Conflict id", os.Stdout)
	if err != nil {
		return err
	}
	resolution, err := getSimpleText(a.reader, "Resolution (local_wins | remote_wins | merged)", os.Stdout)
	if err != nil {
		return err
	}

	resolvedData := ""
	if resolution == "merged" {
		fileName, err := getSimpleText(a.reader, "File with merged content", os.Stdout)
		if err != nil {
			return err
		}
		plaintext, err := os.ReadFile(fileName)
		if err != nil {
			return err
		}
		resolvedData, err = cryptox.EncryptPayload(plaintext, a.masterKey)
		if err != nil {
			return err
		}
	}

	if err := a.api.Resolve(ctx, conflictID, resolution, resolvedData); err != nil {
		return err
	}
	fmt.Println("Resolved.")
	return nil
}

// Status prints the server-side view of every entity the user owns.
func (a *App) Status(ctx context.Context) error {
	entities, err := a.api.Status(ctx)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Println("No synced entities.")
		return nil
	}

	for _, e := range entities {
		line := fmt.Sprintf("%s/%s  %s  local=%d remote=%d base=%d",
			e.EntityType, e.EntityID, e.Status, e.LocalVersion, e.RemoteVersion, e.BaseVersion)
		if e.LastSyncError != "" {
			line += "  error: " + e.LastSyncError
		}
		fmt.Println(line)
	}
	return nil
}
