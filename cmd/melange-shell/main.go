// Package main provides melange-shell, an interactive REPL for exploring
// and poking at a melange database.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/melangedb/melange"
)

func main() {
	flags := flag.NewFlagSet("melange-shell", flag.ContinueOnError)
	path := flags.StringP("path", "p", "", "database directory (created if missing)")
	tree := flags.StringP("tree", "t", "default", "tree selected when the shell starts")
	optionsFile := flags.String("options", "", "HJSON options file, see melange.LoadOptionsFile")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}

		os.Exit(2)
	}

	if *path == "" {
		fmt.Fprintln(os.Stderr, "error: -path is required")
		os.Exit(2)
	}

	opts := melange.DefaultOptions(*path)

	if *optionsFile != "" {
		loaded, err := melange.LoadOptionsFile(*optionsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		opts = loaded
		opts.Path = *path
	}

	db, err := melange.Open(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: opening %s: %v\n", *path, err)
		os.Exit(1)
	}

	defer db.Close()

	r := &REPL{db: db, treeName: *tree}

	if err := r.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// REPL is the interactive command loop driving one open [melange.DB].
type REPL struct {
	db       *melange.DB
	treeName string
	liner    *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".melange_shell_history")
}

// Run starts the REPL loop, returning when the user exits.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("melange-shell - tree %q\n", r.treeName)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt(r.treeName + "> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "use":
			r.cmdUse(args)

		case "trees":
			r.cmdTrees()

		case "put":
			r.cmdPut(args)

		case "get":
			r.cmdGet(args)

		case "del", "delete":
			r.cmdDelete(args)

		case "contains":
			r.cmdContains(args)

		case "scan":
			r.cmdScan(args)

		case "prefix":
			r.cmdPrefix(args)

		case "len", "count":
			r.cmdLen()

		case "first":
			r.cmdFirst()

		case "last":
			r.cmdLast()

		case "clear":
			r.cmdClear()

		case "flush":
			r.cmdFlush()

		case "counter":
			r.cmdCounter(args)

		case "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"use", "trees", "put", "get", "del", "delete", "contains",
		"scan", "prefix", "len", "count", "first", "last", "clear",
		"flush", "counter", "cls", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println(`Commands:
  use <tree>               switch the active tree (created if new)
  trees                    list open trees
  put <key> <value>        insert or overwrite a key
  get <key>                read a key
  del <key>                remove a key
  contains <key>           report whether a key is present
  scan                     print every entry in the active tree
  prefix <prefix>          print every entry whose key starts with prefix
  len                      print the entry count
  first                    print the smallest key
  last                     print the largest key
  clear                    remove every entry in the active tree
  flush                    force an immediate flush
  counter get|set|incr|decr|mul|div|pct|cas|reset ...
                           operate on an atomic counter
  cls                      clear the screen
  help                     show this message
  exit                     quit

Keys and values print as a quoted string when printable, else as hex.
Arguments accept 0x-prefixed hex or raw text.`)
}

func (r *REPL) cmdUse(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: use <tree>")
		return
	}

	if _, err := r.db.Tree(args[0]); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	r.treeName = args[0]
}

func (r *REPL) cmdTrees() {
	for _, name := range r.db.Trees() {
		fmt.Println(name)
	}
}

func (r *REPL) tree() *melange.Tree {
	t, err := r.db.Tree(r.treeName)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return nil
	}

	return t
}

func (r *REPL) cmdPut(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}

	t := r.tree()
	if t == nil {
		return
	}

	if err := t.Put(parseBytes(args[0]), parseBytes(args[1])); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}

	t := r.tree()
	if t == nil {
		return
	}

	value, ok, err := t.Get(parseBytes(args[0]))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(not found)")
		return
	}

	fmt.Println(formatBytes(value))
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}

	t := r.tree()
	if t == nil {
		return
	}

	if err := t.Delete(parseBytes(args[0])); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdContains(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: contains <key>")
		return
	}

	t := r.tree()
	if t == nil {
		return
	}

	ok, err := t.ContainsKey(parseBytes(args[0]))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(ok)
}

func (r *REPL) cmdScan(_ []string) {
	r.cmdPrefix(nil)
}

func (r *REPL) cmdPrefix(args []string) {
	var prefix []byte
	if len(args) == 1 {
		prefix = parseBytes(args[0])
	}

	t := r.tree()
	if t == nil {
		return
	}

	n := 0

	err := t.ScanPrefix(prefix, func(key, value []byte) bool {
		fmt.Printf("%s => %s\n", formatBytes(key), formatBytes(value))
		n++

		return true
	})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Printf("(%d entries)\n", n)
}

func (r *REPL) cmdLen() {
	t := r.tree()
	if t == nil {
		return
	}

	n, err := t.Len()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(n)
}

func (r *REPL) cmdFirst() {
	t := r.tree()
	if t == nil {
		return
	}

	key, value, ok, err := t.First()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(empty)")
		return
	}

	fmt.Printf("%s => %s\n", formatBytes(key), formatBytes(value))
}

func (r *REPL) cmdLast() {
	t := r.tree()
	if t == nil {
		return
	}

	key, value, ok, err := t.Last()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(empty)")
		return
	}

	fmt.Printf("%s => %s\n", formatBytes(key), formatBytes(value))
}

func (r *REPL) cmdClear() {
	t := r.tree()
	if t == nil {
		return
	}

	if err := t.Clear(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdFlush() {
	if err := r.db.Flush(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdCounter(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: counter get|set|incr|decr|mul|div|pct|cas|reset <name> [value]")
		return
	}

	op, name := args[0], args[1]
	rest := args[2:]
	counters := r.db.Counters()

	switch op {
	case "get":
		v, err := counters.Get(name)
		printCounterResult(v, err)

	case "incr":
		delta, err := parseUint(rest, 1)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, err := counters.Increment(name, delta)
		printCounterResult(v, err)

	case "decr":
		delta, err := parseUint(rest, 1)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, err := counters.Decrement(name, delta)
		printCounterResult(v, err)

	case "mul":
		factor, err := parseFloat(rest)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, err := counters.Multiply(name, factor)
		printCounterResult(v, err)

	case "div":
		divisor, err := parseFloat(rest)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, err := counters.Divide(name, divisor)
		printCounterResult(v, err)

	case "pct":
		pct, err := parseFloat(rest)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, err := counters.Percentage(name, pct)
		printCounterResult(v, err)

	case "set", "reset":
		value, err := parseUint(rest, 0)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, err := counters.Reset(name, value)
		printCounterResult(v, err)

	case "cas":
		if len(rest) != 2 {
			fmt.Println("usage: counter cas <name> <expected> <new>")
			return
		}

		expected, err := strconv.ParseUint(rest[0], 10, 64)
		if err != nil {
			fmt.Println(err)
			return
		}

		newValue, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			fmt.Println(err)
			return
		}

		v, swapped, err := counters.CompareAndSwap(name, expected, newValue)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}

		fmt.Printf("%d swapped=%v\n", v, swapped)

	default:
		fmt.Printf("unknown counter op: %s\n", op)
	}
}

func printCounterResult(v uint64, err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(v)
}

func parseUint(args []string, defaultValue uint64) (uint64, error) {
	if len(args) == 0 {
		return defaultValue, nil
	}

	return strconv.ParseUint(args[0], 10, 64)
}

func parseFloat(args []string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one numeric argument")
	}

	return strconv.ParseFloat(args[0], 64)
}

// parseBytes accepts 0x-prefixed hex or treats the argument as raw text.
func parseBytes(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		if decoded, err := hex.DecodeString(s[2:]); err == nil {
			return decoded
		}
	}

	return []byte(s)
}

// formatBytes prints printable ASCII quoted, everything else as hex.
func formatBytes(b []byte) string {
	printable := true

	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			printable = false
			break
		}
	}

	if printable {
		return strconv.Quote(string(b))
	}

	return "0x" + hex.EncodeToString(b)
}
