// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/bassosimone/dispatchd"
)

// consoleHelp is printed by the help command.
const consoleHelp = `commands:
  status       print the scheme, the port, and the processed count
  exit, quit   stop accepting connections and drain
  help         print this message
`

// consoleTarget is the part of [*dispatchd.Dispatcher] the console drives.
type consoleTarget interface {
	Shutdown()
	Status() dispatchd.Status
}

// console reads operator commands, one per line.
type console struct {
	// in is where commands come from.
	in io.Reader

	// out receives command output.
	out io.Writer

	// target is the dispatcher.
	target consoleTarget
}

// run processes commands until exit or EOF, then requests shutdown.
func (c *console) run() {
	defer c.target.Shutdown()
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if !c.execute(scanner.Text()) {
			return
		}
	}
}

// execute runs a command line and returns false when the console should stop.
func (c *console) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) <= 0 {
		return true
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "exit", "quit":
		return false

	case "help":
		fmt.Fprint(c.out, consoleHelp)

	case "status":
		if len(args) > 0 {
			fmt.Fprintf(c.out, "%s does not take arguments\n", cmd)
			return true
		}
		status := c.target.Status()
		fmt.Fprintln(c.out, banner(status.Scheme, status.Port))
		fmt.Fprintf(c.out, "Total Processed: %d\n", status.TotalProcessed)
		fmt.Fprintf(c.out, "In Flight: %d\n", status.InFlight)
		fmt.Fprintf(c.out, "Phase: %s\n", status.Phase)

	default:
		fmt.Fprintf(c.out, "unknown command: %s (try help)\n", cmd)
	}
	return true
}

// banner returns the line announcing where we accept connections.
func banner(scheme dispatchd.Scheme, port uint16) string {
	return fmt.Sprintf("Waiting for %s connections at port %d", scheme.DisplayName(), port)
}
