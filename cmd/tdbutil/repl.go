package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/gotdb/pkg/tdb"
)

// REPL is the interactive command loop.
type REPL struct {
	db    *tdb.DB
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".tdbutil_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("tdbutil - embedded tdb CLI (path=%s, hash_size=%d)\n", r.path, r.db.HashSize())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("tdb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
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

		case "put", "set":
			r.cmdPut(args)

		case "get":
			r.cmdGet(args)

		case "del", "delete":
			r.cmdDelete(args)

		case "exists":
			r.cmdExists(args)

		case "traverse", "scan", "ls", "list":
			r.cmdTraverse(args)

		case "lockall":
			r.cmdLockAll(args)

		case "unlockall":
			r.cmdUnlockAll()

		case "chainlock":
			r.cmdChainLock(args)

		case "chainunlock":
			r.cmdChainUnlock(args)

		case "lockkeys":
			r.cmdLockKeys(args)

		case "unlockkeys":
			r.cmdUnlockKeys()

		case "info":
			r.cmdInfo()

		case "clear", "cls":
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
		"put", "set", "get", "del", "delete", "exists",
		"traverse", "scan", "ls", "list",
		"lockall", "unlockall", "chainlock", "chainunlock",
		"lockkeys", "unlockkeys",
		"info", "clear", "cls", "help", "exit", "quit", "q",
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
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>        Store key=value (REPLACE semantics)")
	fmt.Println("  get <key>                Fetch a value")
	fmt.Println("  del <key>                Delete a key")
	fmt.Println("  exists <key>             Report whether a key is present")
	fmt.Println("  traverse [limit]         Walk every live key/value pair")
	fmt.Println("  lockall [write]          Hold every chain lock (default: read)")
	fmt.Println("  unlockall                Release every chain lock held by lockall")
	fmt.Println("  chainlock <key> [write]  Hold the chain lock owning key")
	fmt.Println("  chainunlock <key>        Release it")
	fmt.Println("  lockkeys <key...>        Restrict this handle to the given keys")
	fmt.Println("  unlockkeys               Lift the lockkeys restriction")
	fmt.Println("  info                     Show store info")
	fmt.Println("  help                     Show this help")
	fmt.Println("  exit / quit / q          Exit")
	fmt.Println()
	fmt.Println("Keys and values: hex (e.g., 'deadbeef') or plain text (e.g., 'foo').")
}

// parseBytes parses a key or value from user input, preferring hex and
// falling back to the literal text.
func parseBytes(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}

	return []byte(s)
}

// formatBytes renders b as quoted text if every byte is printable ASCII,
// otherwise as hex.
func formatBytes(b []byte) string {
	printable := true

	for _, c := range b {
		if c < 32 || c > 126 {
			printable = false

			break
		}
	}

	if printable && len(b) > 0 {
		return fmt.Sprintf("%q", string(b))
	}

	return hex.EncodeToString(b)
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")

		return
	}

	key := parseBytes(args[0])
	value := parseBytes(strings.Join(args[1:], " "))

	if err := r.db.Store(key, value, tdb.Replace); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: put %s\n", formatBytes(key))
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")

		return
	}

	key := parseBytes(args[0])

	value, found, err := r.db.Fetch(key)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !found {
		fmt.Println("(not found)")

		return
	}

	fmt.Printf("Value: %s\n", formatBytes(value))
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")

		return
	}

	key := parseBytes(args[0])

	if err := r.db.Delete(key); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: deleted %s\n", formatBytes(key))
}

func (r *REPL) cmdExists(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: exists <key>")

		return
	}

	key := parseBytes(args[0])

	found, err := r.db.Exists(key)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println(found)
}

func (r *REPL) cmdTraverse(args []string) {
	limit := 20
	if len(args) >= 1 {
		var err error

		limit, err = strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)

			return
		}
	}

	count := 0

	err := r.db.Traverse(func(key, value []byte) bool {
		count++
		fmt.Printf("%3d. %s = %s\n", count, formatBytes(key), formatBytes(value))

		return limit <= 0 || count < limit
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if count == 0 {
		fmt.Println("(empty)")
	}
}

func (r *REPL) cmdLockAll(args []string) {
	write := len(args) >= 1 && strings.EqualFold(args[0], "write")

	if err := r.db.LockAll(write); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: locked all chains")
}

func (r *REPL) cmdUnlockAll() {
	if err := r.db.UnlockAll(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: unlocked all chains")
}

func (r *REPL) cmdChainLock(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: chainlock <key> [write]")

		return
	}

	write := len(args) >= 2 && strings.EqualFold(args[1], "write")
	key := parseBytes(args[0])

	if err := r.db.ChainLock(key, write); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: locked chain for %s\n", formatBytes(key))
}

func (r *REPL) cmdChainUnlock(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: chainunlock <key>")

		return
	}

	key := parseBytes(args[0])

	if err := r.db.ChainUnlock(key); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: unlocked chain for %s\n", formatBytes(key))
}

func (r *REPL) cmdLockKeys(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: lockkeys <key...>")

		return
	}

	keys := make([][]byte, len(args))
	for i, a := range args {
		keys[i] = parseBytes(a)
	}

	if err := r.db.LockKeys(keys); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: restricted to %d key(s)\n", len(keys))
}

func (r *REPL) cmdUnlockKeys() {
	if err := r.db.UnlockKeys(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println("OK: lockkeys lifted")
}

func (r *REPL) cmdInfo() {
	fmt.Printf("Store info:\n")
	fmt.Printf("  Path:       %s\n", r.path)
	fmt.Printf("  Hash size:  %d\n", r.db.HashSize())
	fmt.Printf("  Last error: %s\n", r.db.ErrorString())
}
