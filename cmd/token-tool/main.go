package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xtoken/cmd/token-tool/cli"
	"github.com/effective-security/xtoken/internal/version"
)

type app struct {
	cli.Cli

	Readers  cli.ReadersCmd  `cmd:"" help:"list token readers"`
	Exchange cli.ExchangeCmd `cmd:"" help:"start and stop the exchange with contactless token"`
	Token    cli.TokenCmd    `cmd:"" help:"token key commands"`
	Sign     cli.SignCmd     `cmd:"" help:"sign and verify commands"`
	Envelope cli.EnvelopeCmd `cmd:"" help:"envelope encryption commands"`
	Csr      cli.CsrCmd      `cmd:"" help:"certificate request commands"`
	Pin      cli.PinCmd      `cmd:"" help:"PIN store commands"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)
	defer cl.Cli.Close()

	parser, err := kong.New(&cl,
		kong.Name("token-tool"),
		kong.Description("CLI tool for USB and NFC hardware tokens"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
