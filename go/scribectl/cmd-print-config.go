package main

import (
	"io"
	"os"

	"github.com/jessevdk/go-flags"
)

type cmdPrintConfig struct {
	parser *flags.Parser
}

func (c *cmdPrintConfig) Execute(args []string) error {
	return writeConfigIni(c.parser, os.Stdout)
}

func writeConfigIni(parser *flags.Parser, w io.Writer) error {
	flags.NewIniParser(parser).Write(w,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
