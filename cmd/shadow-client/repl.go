package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shadowsync/shadowsync/internal/engine"
	"github.com/shadowsync/shadowsync/internal/models"
)

const helpText = `Commands:
  get               fetch the shadow document from the broker
  local             show the local device state
  edit k=v ...      merge attributes into local state (no report)
  replace k=v ...   replace the whole local state (no report)
  reset             restore the default local state (no report)
  report            publish local state as reported state
  desire k=v ...    publish a desired-state patch (cloud side)
  apply             apply the pending delta and report back
  dismiss           discard the pending delta
  status            show connection and sync status
  messages          show recent shadow activity
  help              show this help
  quit              exit`

// repl drives the engine from an interactive prompt. Output goes
// through a single writer so delta notifications from the engine's
// callback goroutine interleave cleanly with command results.
type repl struct {
	in  *bufio.Scanner
	out io.Writer
}

func newREPL(in io.Reader, out io.Writer) *repl {
	return &repl{
		in:  bufio.NewScanner(in),
		out: out,
	}
}

// notifyDelta is wired as the engine's OnDelta callback.
func (r *repl) notifyDelta(pending engine.PendingDelta, changes []engine.Change) {
	fmt.Fprintf(r.out, "\n*** Delta received (version %d) ***\n", pending.Version)
	for _, c := range changes {
		fmt.Fprintf(r.out, "  %s: %v -> %v\n", c.Key, c.Local, c.Desired)
	}
	fmt.Fprintln(r.out, "Use 'apply' to accept or 'dismiss' to ignore.")
	fmt.Fprint(r.out, "> ")
}

func (r *repl) run(ctx context.Context, eng *engine.Engine) {
	fmt.Fprintln(r.out, helpText)

	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		fields := strings.Fields(r.in.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "quit", "exit":
			return
		case "help":
			fmt.Fprintln(r.out, helpText)
		case "get":
			doc, err := eng.Get(ctx)
			if err != nil {
				r.printErr(err)
				continue
			}
			r.printJSON(doc)
		case "local":
			r.printJSON(eng.LocalState())
		case "edit":
			attrs, err := parseAttributes(args)
			if err != nil {
				r.printErr(err)
				continue
			}
			state, err := eng.EditLocal(ctx, attrs)
			if err != nil {
				r.printErr(err)
				continue
			}
			r.printJSON(state)
		case "replace":
			attrs, err := parseAttributes(args)
			if err != nil {
				r.printErr(err)
				continue
			}
			state, err := eng.ReplaceLocal(ctx, attrs)
			if err != nil {
				r.printErr(err)
				continue
			}
			r.printJSON(state)
		case "reset":
			state, err := eng.ResetLocal(ctx)
			if err != nil {
				r.printErr(err)
				continue
			}
			r.printJSON(state)
		case "report":
			doc, err := eng.Report(ctx)
			if err != nil {
				r.printErr(err)
				continue
			}
			fmt.Fprintf(r.out, "Reported, shadow version %d\n", doc.Version)
		case "desire":
			attrs, err := parseAttributes(args)
			if err != nil {
				r.printErr(err)
				continue
			}
			if err := eng.Desire(ctx, attrs); err != nil {
				r.printErr(err)
				continue
			}
			fmt.Fprintln(r.out, "Desired state published")
		case "apply":
			doc, err := eng.ApplyDelta(ctx)
			if err != nil {
				r.printErr(err)
				continue
			}
			fmt.Fprintf(r.out, "Delta applied and reported, shadow version %d\n", doc.Version)
		case "dismiss":
			if err := eng.DismissDelta(); err != nil {
				r.printErr(err)
				continue
			}
			fmt.Fprintln(r.out, "Delta dismissed")
		case "status":
			r.printJSON(eng.Status())
		case "messages", "history":
			entries := eng.History()
			if len(entries) == 0 {
				fmt.Fprintln(r.out, "No messages yet")
				continue
			}
			for _, e := range entries {
				fmt.Fprintf(r.out, "%s  %-16s %s\n", e.Time.Format("15:04:05.000"), e.Kind, e.Summary)
			}
		default:
			fmt.Fprintf(r.out, "Unknown command %q, try 'help'\n", cmd)
		}
	}
}

func (r *repl) printErr(err error) {
	var rejection *engine.RemoteRejection
	if errors.As(err, &rejection) && rejection.Informational() {
		fmt.Fprintf(r.out, "%s\n", rejection.Message)
		return
	}
	fmt.Fprintf(r.out, "Error: %s\n", err)
}

func (r *repl) printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %s\n", err)
		return
	}
	fmt.Fprintln(r.out, string(data))
}

// parseAttributes converts key=value arguments into attributes.
// Values parse as JSON when possible (numbers, booleans, null,
// quoted strings) and fall back to plain strings.
func parseAttributes(args []string) (models.Attributes, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected key=value arguments")
	}

	attrs := make(models.Attributes, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", arg)
		}

		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		attrs[key] = value
	}
	return attrs, nil
}
