/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
concord-ctl - interactive control client for a running concord-node

Dials a node over the wire protocol and issues control and submit RPCs,
either as a one-shot command or from an interactive REPL.

Usage:
    concord-ctl -addr 127.0.0.1:7001 -op ping
    concord-ctl -addr 127.0.0.1:7001 -op submit -key foo -value bar
    concord-ctl -addr 127.0.0.1:7001 -op set-partition -peers 2,3
    concord-ctl -addr 127.0.0.1:7001
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"concord/internal/transport"
	"concord/internal/types"
	"concord/pkg/cli"
)

const (
	version     = "1.0.0"
	copyright   = "Copyright (c) 2026 Firefly Software Solutions Inc."
	dialTimeout = 3 * time.Second
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7001", "Address of the node to control")
	op := flag.String("op", "", "One-shot operation: ping, submit, get, delete, set-partition")
	key := flag.String("key", "", "Key for submit/get/delete")
	value := flag.String("value", "", "Value for submit")
	peers := flag.String("peers", "", "Comma-separated peer ids to block for set-partition")
	help := flag.Bool("help", false, "Show help")
	flag.BoolVar(help, "h", false, "Show help")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information")
	flag.Parse()

	if *help {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("concord-ctl v%s\n%s\n", version, copyright)
		os.Exit(0)
	}

	if *op != "" {
		result, err := runCommand(*addr, *op, *key, *value, *peers)
		if err != nil {
			cli.PrintError("%v", err)
			os.Exit(1)
		}
		fmt.Println(result)
		return
	}

	if err := runREPL(*addr); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}

// runCommand dispatches a single parsed operation against addr and returns
// the reply payload, already rendered for display.
func runCommand(addr, op, key, value, peersCSV string) (string, error) {
	switch op {
	case "ping":
		return send(addr, transport.MsgPing, []byte(`{}`))
	case "submit", "set":
		cmd := types.NewSetCommand(key, value)
		return submit(addr, cmd)
	case "get":
		cmd := types.NewGetCommand(key)
		return submit(addr, cmd)
	case "delete":
		cmd := types.NewDeleteCommand(key)
		return submit(addr, cmd)
	case "set-partition":
		ids, err := parseIDs(peersCSV)
		if err != nil {
			return "", err
		}
		payload, _ := json.Marshal(ids)
		return send(addr, transport.MsgSetPartition, payload)
	default:
		return "", cli.ErrInvalidValue("-op", op, "want ping, submit, get, delete, or set-partition")
	}
}

func submit(addr string, cmd types.Command) (string, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	return send(addr, transport.MsgSubmitCommand, payload)
}

func parseIDs(csv string) ([]int, error) {
	if csv == "" {
		return nil, cli.ErrMissingArgument("-peers", "concord-ctl -op set-partition -peers <id,id,...>")
	}
	var ids []int
	for _, part := range strings.Split(csv, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// splitAddr separates a host:port string for error reporting; returns addr
// unchanged as the host half if it has no colon.
func splitAddr(addr string) (host, port string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

// send dials addr, writes a single frame, and reads back the reply payload
// as a string. One RPC per connection, matching the node server's
// one-frame-per-conn handling.
func send(addr string, msgType transport.MessageType, payload []byte) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		host, port := splitAddr(addr)
		return "", cli.ErrConnectionFailed(host, port, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	if err := transport.WriteFrame(conn, msgType, payload, nil); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}

	frame, err := transport.ReadFrame(conn, nil)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return string(frame.Payload), nil
}

// runREPL starts an interactive session against addr using readline for
// history and line editing.
func runREPL(addr string) error {
	rl, err := readline.New(cli.Info(fmt.Sprintf("concord(%s)> ", addr)))
	if err != nil {
		return fmt.Errorf("starting REPL: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s v%s connected to %s\n", cli.Highlight("concord-ctl"), version, addr)
	fmt.Println("Commands: ping | set <key> <value> | get <key> | delete <key> | partition <id,id,...> | clear-partition | quit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		result, err := dispatchREPLLine(addr, line)
		if err != nil {
			cli.PrintError("%v", err)
			continue
		}
		fmt.Println(cli.Success(result))
	}
}

// dispatchREPLLine parses one REPL line into an op and runs it.
func dispatchREPLLine(addr, line string) (string, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "ping":
		return runCommand(addr, "ping", "", "", "")
	case "set":
		if len(fields) != 3 {
			return "", fmt.Errorf("usage: set <key> <value>")
		}
		return runCommand(addr, "set", fields[1], fields[2], "")
	case "get":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: get <key>")
		}
		return runCommand(addr, "get", fields[1], "", "")
	case "delete":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: delete <key>")
		}
		return runCommand(addr, "delete", fields[1], "", "")
	case "partition":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: partition <id,id,...>")
		}
		if !cli.ConfirmDestructive(fmt.Sprintf("block peers %s on %s", fields[1], addr), "yes") {
			return "cancelled", nil
		}
		return runCommand(addr, "set-partition", "", "", fields[1])
	case "clear-partition":
		return send(addr, transport.MsgSetPartition, []byte(`[]`))
	default:
		return "", cli.ErrInvalidCommand(fields[0])
	}
}

func printUsage() {
	fmt.Printf("%s %s\n", cli.Highlight("concord-ctl"), cli.Dimmed("v"+version))
	fmt.Println("Control client for a running concord-node.")
	fmt.Println()
	fmt.Printf("%s concord-ctl -addr <host:port> [-op <op> [args]]\n\n", cli.Highlight("Usage:"))
	fmt.Printf("%s\n", cli.Highlight("Options:"))
	fmt.Println("  -addr <addr>       Node address (default 127.0.0.1:7001)")
	fmt.Println("  -op <op>           ping, submit, get, delete, set-partition")
	fmt.Println("  -key <key>         Key for submit/get/delete")
	fmt.Println("  -value <value>     Value for submit")
	fmt.Println("  -peers <ids>       Comma-separated peer ids for set-partition")
	fmt.Println("  -version,-v        Show version information")
	fmt.Println("  -help,-h           Show this help message")
	fmt.Println()
	fmt.Println("With no -op, starts an interactive REPL.")
}
