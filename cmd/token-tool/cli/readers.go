package cli

import (
	"fmt"

	"github.com/effective-security/xtoken/transport"
)

// ReadersCmd prints the readers
type ReadersCmd struct {
	JSON bool `help:"print in JSON format"`
}

// Run the command
func (a *ReadersCmd) Run(ctx *Cli) error {
	ctrl, err := ctx.Controller()
	if err != nil {
		return err
	}

	list := ctrl.Readers()
	if a.JSON {
		if list == nil {
			list = []transport.Reader{}
		}
		return ctx.WriteJSON(list)
	}

	out := ctx.Writer()
	if len(list) == 0 {
		fmt.Fprintln(out, "no readers found")
		return nil
	}
	for _, r := range list {
		fmt.Fprintf(out, "%-4s %s\n", r.Type, r.Name)
	}
	return nil
}

// ExchangeCmd starts and stops the exchange with the contactless token
type ExchangeCmd struct {
	Hold bool `help:"keep the exchange until the token is removed"`
}

// Run the command
func (a *ExchangeCmd) Run(ctx *Cli) error {
	ctrl, err := ctx.Controller()
	if err != nil {
		return err
	}

	out := ctx.Writer()
	if err = ctrl.StartExchange(ctx.Context()); err != nil {
		return err
	}

	reader, _ := ctrl.ActiveReader()
	fmt.Fprintf(out, "exchange started: %s\n", reader.Name)

	if a.Hold {
		select {
		case <-ctrl.ExchangeStopped():
			fmt.Fprintln(out, "token removed")
		case <-ctx.Context().Done():
		}
	}

	if err = ctrl.StopExchange(ctx.Context()); err != nil {
		return err
	}
	fmt.Fprintf(out, "exchange stopped: %s\n", ctrl.State())
	return nil
}
