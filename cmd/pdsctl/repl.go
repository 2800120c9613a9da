package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/ningke/persistds/internal/oid"
	"github.com/ningke/persistds/internal/wire"
	"github.com/ningke/persistds/pkg/objectgraph"
	"github.com/ningke/persistds/pkg/oidcache"
)

// REPL is pdsctl's interactive command loop, implementing spec.md §6's CLI
// surface (help, quit, read, load, find, delete, insert, dfwalk, bfwalk,
// gc, save, ls, rm) against a running ObjectGraphAPI.
//
// Grounded on cmd/sloty/main.go's REPL: liner-backed prompt + history,
// Fields()-based command dispatch, and a completer over the known command
// set.
type REPL struct {
	graph *objectgraph.Graph
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".pdsctl_history")
}

// Run starts the REPL loop. It returns when the user quits or input ends.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("pdsctl - persistds object graph CLI")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("pdsctl> ")
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

		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			r.saveHistory()
			return nil
		}

		r.dispatch(cmd, args)
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
		"help", "quit", "read", "load", "find", "delete",
		"insert", "dfwalk", "bfwalk", "gc", "save", "ls", "rm",
	}

	var out []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *REPL) dispatch(cmd string, args []string) {
	switch cmd {
	case "help", "?":
		r.printHelp()
	case "read":
		r.cmdRead(args)
	case "load":
		r.cmdLoad(args)
	case "find":
		r.cmdFind(args)
	case "delete", "rm":
		r.cmdDelete(args)
	case "insert":
		r.cmdInsert(args)
	case "dfwalk", "ls":
		r.cmdDFWalk(args)
	case "bfwalk":
		r.cmdBFWalk(args)
	case "gc":
		r.cmdGC(args)
	case "save":
		r.cmdSave(args)
	default:
		fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  load <name>                         Load a named object, print its fields")
	fmt.Println("  read <name>                         Alias for load")
	fmt.Println("  find <name>                          Print the OID bound to name, or (none)")
	fmt.Println("  insert <name> <type> [field=value…]  Create an object and bind it to name")
	fmt.Println("  delete <name>                        Remove name's binding")
	fmt.Println("  rm <name>                            Alias for delete")
	fmt.Println("  dfwalk                               List every name depth-first")
	fmt.Println("  ls                                   Alias for dfwalk")
	fmt.Println("  bfwalk                               List every name breadth-first")
	fmt.Println("  gc                                   Run a garbage-collection pass")
	fmt.Println("  save                                 Flush drafts without collecting")
	fmt.Println("  help                                 Show this help")
	fmt.Println("  quit / exit / q                      Exit")
}

func (r *REPL) cmdLoad(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: load <name>")
		return
	}

	h, err := r.graph.LoadNamed(args[0])
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fields, err := r.graph.GetFields(h)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	for name, f := range fields {
		fmt.Printf("  %s = %s\n", name, formatField(f))
	}
}

func (r *REPL) cmdRead(args []string) { r.cmdLoad(args) }

func (r *REPL) cmdFind(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: find <name>")
		return
	}

	h, err := r.graph.LoadNamed(args[0])
	if err != nil {
		if errors.Is(err, objectgraph.ErrNotFound) {
			fmt.Println("(none)")
			return
		}

		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(h.BackingOID().String())
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: delete <name>")
		return
	}

	if err := r.graph.DeleteNamed(args[0]); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (r *REPL) cmdInsert(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: insert <name> <type> [field=value…]")
		return
	}

	name, typeName := args[0], args[1]

	fields := objectgraph.FieldDict{}

	for _, kv := range args[2:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fmt.Printf("error: bad field assignment %q, want field=value\n", kv)
			return
		}

		fields[parts[0]] = parseFieldValue(parts[1])
	}

	h, err := r.graph.CreateObject(typeName, fields)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if err := r.graph.StoreNamed(h, name); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Printf("inserted %s -> %s\n", name, h.BackingOID())
}

func parseFieldValue(s string) oidcache.Field {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return oidcache.Primitive(wire.Int(n))
	}

	if b, err := strconv.ParseBool(s); err == nil {
		return oidcache.Primitive(wire.Bool(b))
	}

	return oidcache.Primitive(wire.Bytes([]byte(s)))
}

func formatField(f oidcache.Field) string {
	switch f.Kind() {
	case oidcache.FieldPrimitive:
		v := f.Primitive()
		switch v.Kind() {
		case wire.KindInt:
			return strconv.FormatInt(v.Int(), 10)
		case wire.KindBool:
			return strconv.FormatBool(v.Bool())
		case wire.KindBytes:
			return fmt.Sprintf("%q", string(v.Bytes()))
		default:
			return "null"
		}
	case oidcache.FieldOid:
		return f.Oid().String()
	default:
		return "(draft)"
	}
}

func (r *REPL) cmdDFWalk(_ []string) {
	count := 0

	_ = r.graph.DFWalk(func(name string, o oid.OID) bool {
		fmt.Printf("  %s -> %s\n", name, o)
		count++
		return true
	})

	if count == 0 {
		fmt.Println("(empty)")
	}
}

func (r *REPL) cmdBFWalk(_ []string) {
	count := 0

	_ = r.graph.BFWalk(func(name string, o oid.OID) bool {
		fmt.Printf("  %s -> %s\n", name, o)
		count++
		return true
	})

	if count == 0 {
		fmt.Println("(empty)")
	}
}

func (r *REPL) cmdGC(_ []string) {
	if err := r.graph.Collect(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("gc complete")
}

func (r *REPL) cmdSave(_ []string) {
	if err := r.graph.FlushAll(); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("saved")
}
