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
concord-waldump - CFT-Log WAL inspector

Reads a node's write-ahead log and prints its persisted term, voted-for,
and log entries, for post-mortem debugging of a CFT-Log node.

Usage:
    concord-waldump <data-dir> <node-id>
    concord-waldump --output json <data-dir> <node-id>
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"concord/internal/wal"
	"concord/pkg/cli"
)

const (
	version   = "1.0.0"
	copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
)

func main() {
	outputFormat := flag.String("output", "table", "Output format: table, json, plain")
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
		fmt.Printf("concord-waldump v%s\n%s\n", version, copyright)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 2 {
		printUsage()
		os.Exit(1)
	}

	dataDir := args[0]
	nodeID, err := strconv.Atoi(args[1])
	if err != nil {
		cli.PrintError("invalid node id %q: %v", args[1], err)
		os.Exit(1)
	}

	w, err := wal.Open(dataDir, nodeID)
	if err != nil {
		cli.PrintError("failed to open WAL: %v", err)
		os.Exit(1)
	}

	term, votedFor, log, err := w.Load()
	if err != nil {
		cli.PrintError("failed to read WAL at %s: %v", w.Path(), err)
		os.Exit(1)
	}

	fmt.Printf("%s  %s\n\n", cli.Highlight("concord-waldump"), w.Path())
	cli.KeyValue("current_term", strconv.Itoa(term), 14)
	cli.KeyValue("voted_for", formatVotedFor(votedFor), 14)
	cli.KeyValue("log entries", strconv.Itoa(len(log)), 14)
	fmt.Println()

	table := cli.NewTable("index", "term", "command")
	table.SetFormat(cli.ParseOutputFormat(*outputFormat))
	for _, entry := range log {
		table.AddRow(strconv.Itoa(entry.Index), strconv.Itoa(entry.Term), entry.Command.String())
	}
	table.Print()
}

// formatVotedFor renders an optional voted-for node id for display.
func formatVotedFor(votedFor *int) string {
	if votedFor == nil {
		return "none"
	}
	return strconv.Itoa(*votedFor)
}

func printUsage() {
	fmt.Printf("%s %s\n", cli.Highlight("concord-waldump"), cli.Dimmed("v"+version))
	fmt.Println("Inspect a CFT-Log node's write-ahead log.")
	fmt.Println()
	fmt.Printf("%s concord-waldump [options] <data-dir> <node-id>\n\n", cli.Highlight("Usage:"))
	fmt.Printf("%s\n", cli.Highlight("Options:"))
	fmt.Println("  --output     table (default), json, or plain")
	fmt.Println("  --version,-v Show version information")
	fmt.Println("  --help,-h    Show this help message")
}
