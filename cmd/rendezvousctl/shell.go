package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/arjbhandari/rendezvousd/client"
)

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:                   "shell",
		Short:                 "Interactive client session",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			shellLoop(c)
			return nil
		},
	}
}

func shellLoop(c *client.Client) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31mrendezvousd»\033[0m ",
		HistoryFile:       "/tmp/rendezvousctl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		runShellLine(c, strings.Fields(line))
	}
}

func runShellLine(c *client.Client, args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "set":
		if len(args) != 3 {
			fmt.Println("usage: set key value")
			return
		}
		if err := c.Set(args[1], []byte(args[2])); err != nil {
			fmt.Printf("set %s failed: %v\n", args[1], err)
			return
		}
		fmt.Println("ok")
	case "get":
		if len(args) != 2 {
			fmt.Println("usage: get key")
			return
		}
		v, err := c.Get(args[1])
		if err != nil {
			fmt.Printf("get %s failed: %v\n", args[1], err)
			return
		}
		fmt.Println(string(v))
	case "compareset":
		if len(args) != 4 {
			fmt.Println("usage: compareset key expected desired")
			return
		}
		v, err := c.CompareSet(args[1], []byte(args[2]), []byte(args[3]))
		if err != nil {
			fmt.Printf("compareset %s failed: %v\n", args[1], err)
			return
		}
		fmt.Println(string(v))
	case "add":
		if len(args) != 3 {
			fmt.Println("usage: add key delta")
			return
		}
		delta, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fmt.Printf("invalid delta %q\n", args[2])
			return
		}
		v, err := c.Add(args[1], delta)
		if err != nil {
			fmt.Printf("add %s failed: %v\n", args[1], err)
			return
		}
		fmt.Println(v)
	case "del":
		if len(args) != 2 {
			fmt.Println("usage: del key")
			return
		}
		existed, err := c.DeleteKey(args[1])
		if err != nil {
			fmt.Printf("del %s failed: %v\n", args[1], err)
			return
		}
		fmt.Println(existed)
	case "check":
		if len(args) < 2 {
			fmt.Println("usage: check key [key...]")
			return
		}
		ok, err := c.Check(args[1:])
		if err != nil {
			fmt.Printf("check failed: %v\n", err)
			return
		}
		fmt.Println(ok)
	case "wait":
		if len(args) < 2 {
			fmt.Println("usage: wait key [key...]")
			return
		}
		if err := c.Wait(args[1:], timeout); err != nil {
			fmt.Printf("wait failed: %v\n", err)
			return
		}
		fmt.Println("ok")
	case "getnumkeys":
		n, err := c.GetNumKeys()
		if err != nil {
			fmt.Printf("getnumkeys failed: %v\n", err)
			return
		}
		fmt.Println(n)
	case "help":
		fmt.Println("commands: set get compareset add del check wait getnumkeys exit")
	default:
		fmt.Printf("unknown command %q (try help)\n", args[0])
	}
}
