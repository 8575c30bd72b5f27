package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = newParser()

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newParser() *flags.Parser {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Serve the transcription job orchestrator", `
Run the queue controller, timeout reaper, and completion handler until
signaled to exit (via SIGTERM). The controller claims queued jobs up to
the processing ceiling and launches their batch executions; the reaper
fails jobs past their audio-aware deadline; the completion handler
applies terminal outcomes delivered over Pub/Sub.
`, &cmdServe{})

	jobs, err := parser.Command.AddCommand("jobs", "Interact with transcription jobs", "", &struct{}{})
	must(err, "failed to add jobs command")

	addCmd(jobs, "submit", "Submit an audio file for transcription", `
Upload a local audio file to the artifact bucket, create its queued job
record, and publish a new_job event so a running orchestrator dispatches
it immediately.
`, &cmdJobsSubmit{})

	addCmd(jobs, "list", "List transcription jobs", `
List job records with their status, newest queue position first within
each status.
`, &cmdJobsList{})

	addCmd(parser, "print-config", "Print combined configuration and exit", `
Print the effective configuration of every command as an ini file, with
defaulted options commented out, and exit.
`, &cmdPrintConfig{parser: parser})

	return parser
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	must(err, "failed to add flags parser command")
	return cmd
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
