package cli

import (
	"fmt"
	"strings"
)

// PinCmd is the parent for PIN store commands
type PinCmd struct {
	Save   PinSaveCmd   `cmd:"" help:"save token PIN"`
	Get    PinGetCmd    `cmd:"" help:"print token PIN"`
	Remove PinRemoveCmd `cmd:"" help:"remove token PIN"`
	List   PinListCmd   `cmd:"" help:"list tokens with saved PIN"`
}

// PinSaveCmd saves PIN
type PinSaveCmd struct {
	Serial    string `kong:"arg" required:"" help:"token serial"`
	PIN       string `name:"pin" help:"token PIN, read from STDIN if not set"`
	Biometric bool   `help:"require biometric authentication to use the PIN"`
}

// Run the command
func (a *PinSaveCmd) Run(ctx *Cli) error {
	store, err := ctx.PinStore()
	if err != nil {
		return err
	}
	pin := a.PIN
	if pin == "" {
		b, err := ctx.readInput("-")
		if err != nil {
			return err
		}
		pin = strings.TrimSpace(string(b))
	}
	if err = store.Save(ctx.Context(), pin, a.Serial, a.Biometric); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Writer(), "saved PIN: %s\n", a.Serial)
	return nil
}

// PinGetCmd prints PIN
type PinGetCmd struct {
	Serial string `kong:"arg" required:"" help:"token serial"`
}

// Run the command
func (a *PinGetCmd) Run(ctx *Cli) error {
	store, err := ctx.PinStore()
	if err != nil {
		return err
	}
	pin, err := store.Get(ctx.Context(), a.Serial)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Writer(), pin)
	return nil
}

// PinRemoveCmd removes PIN
type PinRemoveCmd struct {
	Serial string `kong:"arg" required:"" help:"token serial"`
}

// Run the command
func (a *PinRemoveCmd) Run(ctx *Cli) error {
	store, err := ctx.PinStore()
	if err != nil {
		return err
	}
	if err = store.Delete(ctx.Context(), a.Serial); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Writer(), "removed PIN: %s\n", a.Serial)
	return nil
}

// PinListCmd lists serials
type PinListCmd struct{}

// Run the command
func (a *PinListCmd) Run(ctx *Cli) error {
	store, err := ctx.PinStore()
	if err != nil {
		return err
	}
	list, err := store.Serials(ctx.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(ctx.Writer(), "no PINs saved")
		return nil
	}
	for _, s := range list {
		fmt.Fprintln(ctx.Writer(), s)
	}
	return nil
}
